// Package wechat implements the WeChat Pay API v3 channel.
package wechat

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/credentials"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/signers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/consts"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://api.mch.weixin.qq.com"

	HeaderTimestamp = consts.WechatPayTimestamp
	HeaderNonce     = consts.WechatPayNonce
	HeaderSignature = consts.WechatPaySignature
	HeaderSerial    = consts.WechatPaySerial

	// Signed messages older or newer than this are replays.
	maxClockSkew = 5 * time.Minute
)

var beijing = time.FixedZone("CST", 8*60*60)

// Codes that mean the request itself is wrong rather than refused.
var clientCodes = map[string]struct{}{
	"PARAM_ERROR":           {},
	"SIGN_ERROR":            {},
	"APPID_MCHID_NOT_MATCH": {},
	"MCH_NOT_EXISTS":        {},
	"NO_AUTH":               {},
	"INVALID_REQUEST_BODY":  {},
}

type Adapter struct {
	cfg         config.ChannelConfig
	signer      *signers.SHA256WithRSASigner
	credentials *credentials.WechatPayCredentials
	verifier    *verifiers.SHA256WithRSAVerifier
	endpoint    string
	transport   *adapters.Transport
	log         *zap.Logger
	now         func() time.Time
	nonce       func() string
}

// New builds the adapter. Requests are signed with the merchant's PKCS#8
// private key; notifications and replies are verified against the platform
// certificates, selected by the Wechatpay-Serial header.
func New(cfg config.ChannelConfig, m *metrics.PaymentMetrics, log *zap.Logger) (*Adapter, error) {
	key, err := utils.LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("wechat: private key: %w", err)
	}
	if len(cfg.PlatformCerts) == 0 {
		return nil, fmt.Errorf("wechat: platform_certs is required")
	}
	certs := make([]*x509.Certificate, 0, len(cfg.PlatformCerts))
	for i, raw := range cfg.PlatformCerts {
		cert, err := utils.LoadCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("wechat: platform certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	signer := newSigner(cfg, key)

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:         cfg,
		signer:      signer,
		credentials: &credentials.WechatPayCredentials{Signer: signer},
		verifier:    verifiers.NewSHA256WithRSAVerifier(core.NewCertificateMapWithList(certs)),
		endpoint:    endpoint,
		transport:   adapters.NewTransport(domain.ChannelWechat, cfg, m),
		log:         log.Named("payment.wechat"),
		now:         time.Now,
		nonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}, nil
}

func newSigner(cfg config.ChannelConfig, key *rsa.PrivateKey) *signers.SHA256WithRSASigner {
	return &signers.SHA256WithRSASigner{
		MchID:               cfg.MerchantID,
		CertificateSerialNo: cfg.CertSerialNo,
		PrivateKey:          key,
	}
}

func (a *Adapter) Name() string { return domain.ChannelWechat }

func (a *Adapter) TradeTypes() []string {
	return []string{
		domain.TradeTypeWeb,
		domain.TradeTypeWap,
		domain.TradeTypeApp,
		domain.TradeTypeScan,
		domain.TradeTypeMini,
	}
}

func (a *Adapter) Ack() domain.NotifyAck {
	return domain.NotifyAck{ContentType: "application/json", Body: []byte(`{"code":"SUCCESS","message":"OK"}`)}
}

type amountBody struct {
	Total    int64  `json:"total,omitempty"`
	Refund   int64  `json:"refund,omitempty"`
	Currency string `json:"currency,omitempty"`
}

func (a *Adapter) Prepay(ctx context.Context, req domain.PrepayRequest) (domain.Credential, error) {
	body := map[string]any{
		"appid":        a.cfg.AppID,
		"mchid":        a.cfg.MerchantID,
		"description":  req.Subject,
		"out_trade_no": req.OutTradeNo,
		"notify_url":   req.NotifyURL,
		"amount":       amountBody{Total: req.Amount.Value, Currency: req.Amount.Currency},
	}
	if req.ExpireAt != nil {
		body["time_expire"] = req.ExpireAt.In(beijing).Format(time.RFC3339)
	}
	scene := map[string]any{}
	if req.ClientIP != "" {
		scene["payer_client_ip"] = req.ClientIP
	}

	var path string
	switch req.TradeType {
	case domain.TradeTypeWeb, domain.TradeTypeScan:
		path = "/v3/pay/transactions/native"
	case domain.TradeTypeWap:
		path = "/v3/pay/transactions/h5"
		scene["h5_info"] = map[string]any{
			"type":     "Wap",
			"app_name": req.AppName,
			"app_url":  req.AppURL,
		}
	case domain.TradeTypeApp:
		path = "/v3/pay/transactions/app"
	case domain.TradeTypeMini:
		openID := adapters.MetadataString(req.Metadata, "openid")
		if openID == "" {
			return nil, domain.NewClientError(a.Name(), "MISSING_OPENID", "mini program payments require openid")
		}
		body["payer"] = map[string]any{"openid": openID}
		path = "/v3/pay/transactions/jsapi"
	default:
		return nil, domain.ErrUnsupportedTradeType
	}
	if len(scene) > 0 {
		body["scene_info"] = scene
	}

	resp, err := a.call(ctx, "prepay", http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		CodeURL  string `json:"code_url"`
		H5URL    string `json:"h5_url"`
		PrepayID string `json:"prepay_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, adapters.Unparseable(a.Name(), resp, err)
	}

	switch req.TradeType {
	case domain.TradeTypeWap:
		h5URL := out.H5URL
		if req.ReturnURL != "" {
			h5URL += "&redirect_url=" + url.QueryEscape(req.ReturnURL)
		}
		return domain.Credential{"h5_url": h5URL}, nil
	case domain.TradeTypeApp:
		return a.appCredential(ctx, out.PrepayID)
	case domain.TradeTypeMini:
		return a.jsapiCredential(ctx, out.PrepayID)
	}
	return domain.Credential{"code_url": out.CodeURL}, nil
}

func (a *Adapter) appCredential(ctx context.Context, prepayID string) (domain.Credential, error) {
	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	nonce := a.nonce()
	sign, err := a.sign(ctx, a.cfg.AppID+"\n"+timestamp+"\n"+nonce+"\n"+prepayID+"\n")
	if err != nil {
		return nil, err
	}
	return domain.Credential{
		"appid":     a.cfg.AppID,
		"partnerid": a.cfg.MerchantID,
		"prepayid":  prepayID,
		"package":   "Sign=WXPay",
		"noncestr":  nonce,
		"timestamp": timestamp,
		"sign":      sign,
	}, nil
}

func (a *Adapter) jsapiCredential(ctx context.Context, prepayID string) (domain.Credential, error) {
	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	nonce := a.nonce()
	pkg := "prepay_id=" + prepayID
	sign, err := a.sign(ctx, a.cfg.AppID+"\n"+timestamp+"\n"+nonce+"\n"+pkg+"\n")
	if err != nil {
		return nil, err
	}
	return domain.Credential{
		"appId":     a.cfg.AppID,
		"timeStamp": timestamp,
		"nonceStr":  nonce,
		"package":   pkg,
		"signType":  "RSA",
		"paySign":   sign,
	}, nil
}

func (a *Adapter) sign(ctx context.Context, message string) (string, error) {
	result, err := a.signer.Sign(ctx, message)
	if err != nil {
		return "", domain.NewClientError(a.Name(), "SIGN_FAILED", err.Error())
	}
	return result.Signature, nil
}

type transaction struct {
	OutTradeNo    string     `json:"out_trade_no"`
	TransactionID string     `json:"transaction_id"`
	TradeState    string     `json:"trade_state"`
	Amount        amountBody `json:"amount"`
}

func (t transaction) amount() *money.Amount {
	if t.Amount.Total == 0 && t.Amount.Currency == "" {
		return nil
	}
	amount := money.New(t.Amount.Total, t.Amount.Currency)
	return &amount
}

func (a *Adapter) Query(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(outTradeNo) + "?mchid=" + url.QueryEscape(a.cfg.MerchantID)
	resp, err := a.call(ctx, "query", http.MethodGet, path, nil)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Code == "ORDER_NOT_EXIST" {
			return &domain.OrderStatus{OutTradeNo: outTradeNo, TradeState: domain.ChargeStateNotPay, Raw: gwErr.Raw}, nil
		}
		return nil, err
	}
	var out transaction
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, adapters.Unparseable(a.Name(), resp, err)
	}
	return &domain.OrderStatus{
		OutTradeNo:    outTradeNo,
		TransactionNo: out.TransactionID,
		TradeState:    mapTradeState(out.TradeState),
		Amount:        out.amount(),
		Raw:           resp.Body,
	}, nil
}

func (a *Adapter) Close(ctx context.Context, outTradeNo string) (*domain.CloseResult, error) {
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(outTradeNo) + "/close"
	resp, err := a.call(ctx, "close", http.MethodPost, path, map[string]any{"mchid": a.cfg.MerchantID})
	if err != nil {
		gwErr, ok := domain.AsGatewayError(err)
		if !ok || gwErr.Kind != domain.GatewayErrorBusiness {
			return nil, err
		}
		return &domain.CloseResult{Closed: false, Code: gwErr.Code, Message: gwErr.Message, Raw: gwErr.Raw}, nil
	}
	return &domain.CloseResult{Closed: true, Code: "SUCCESS", Raw: resp.Body}, nil
}

func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
	body := map[string]any{
		"out_trade_no":  req.OutTradeNo,
		"out_refund_no": req.OutRefundNo,
		"amount": amountBody{
			Refund:   req.Amount.Value,
			Total:    req.Total.Value,
			Currency: req.Amount.Currency,
		},
	}
	if req.TransactionNo != "" {
		body["transaction_id"] = req.TransactionNo
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}
	if req.NotifyURL != "" {
		body["notify_url"] = req.NotifyURL
	}
	resp, err := a.call(ctx, "refund", http.MethodPost, "/v3/refund/domestic/refunds", body)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Kind == domain.GatewayErrorBusiness {
			return &domain.RefundOutcome{Status: domain.RefundOutcomeFailed, Code: gwErr.Code, Message: gwErr.Message, Raw: gwErr.Raw}, nil
		}
		return nil, err
	}
	var out struct {
		RefundID string `json:"refund_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, adapters.Unparseable(a.Name(), resp, err)
	}
	outcome := &domain.RefundOutcome{TransactionNo: out.RefundID, Code: out.Status, Raw: resp.Body}
	switch out.Status {
	case "SUCCESS":
		outcome.Status = domain.RefundOutcomeSuccess
	case "CLOSED", "ABNORMAL":
		outcome.Status = domain.RefundOutcomeFailed
	default:
		outcome.Status = domain.RefundOutcomeProcessing
	}
	return outcome, nil
}

func (a *Adapter) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error) {
	return nil, domain.NewClientError(a.Name(), "UNSUPPORTED", "transfers are not available on this channel")
}

// Resource is the encrypted part of an API v3 notification.
type Resource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	Nonce          string `json:"nonce"`
	OriginalType   string `json:"original_type"`
}

type notification struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Resource  Resource `json:"resource"`
}

type refundResource struct {
	OutTradeNo   string     `json:"out_trade_no"`
	OutRefundNo  string     `json:"out_refund_no"`
	RefundID     string     `json:"refund_id"`
	RefundStatus string     `json:"refund_status"`
	Amount       amountBody `json:"amount"`
}

func (a *Adapter) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	if err := a.verify(ctx, headers, payload); err != nil {
		return nil, domain.ErrInvalidSignature
	}
	var envelope notification
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}
	plain, err := DecryptResource(a.cfg.APIv3Key, envelope.Resource)
	if err != nil {
		return nil, err
	}

	outcome := domain.Outcome{Source: domain.SourceNotify, Channel: a.Name(), Raw: plain}
	switch envelope.EventType {
	case "TRANSACTION.SUCCESS":
		var tx transaction
		if err := json.Unmarshal(plain, &tx); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		outcome.RecordID = tx.OutTradeNo
		outcome.TransactionNo = tx.TransactionID
		outcome.Amount = tx.amount()
		state := mapTradeState(tx.TradeState)
		switch {
		case state == domain.ChargeStateSuccess:
			outcome.Kind = domain.OutcomeChargeSucceeded
		case domain.IsPassThroughState(state):
			outcome.Kind = domain.OutcomeChargeState
			outcome.State = state
		default:
			return nil, domain.ErrEventIgnored
		}
	case "REFUND.SUCCESS", "REFUND.ABNORMAL", "REFUND.CLOSED":
		var refund refundResource
		if err := json.Unmarshal(plain, &refund); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		outcome.RecordID = refund.OutRefundNo
		outcome.TransactionNo = refund.RefundID
		if refund.Amount.Refund > 0 {
			amount := money.New(refund.Amount.Refund, refund.Amount.Currency)
			outcome.Amount = &amount
		}
		switch envelope.EventType {
		case "REFUND.SUCCESS":
			outcome.Kind = domain.OutcomeRefundSucceeded
		case "REFUND.ABNORMAL":
			outcome.Kind = domain.OutcomeRefundAbnormal
			outcome.Failure = domain.NewFailure(refund.RefundStatus, "refund abnormal")
		default:
			outcome.Kind = domain.OutcomeRefundClosed
			outcome.Failure = domain.NewFailure(refund.RefundStatus, "refund closed")
		}
	default:
		return nil, domain.ErrEventIgnored
	}
	if outcome.RecordID == "" {
		return nil, domain.ErrInvalidPayload
	}
	return &domain.Notification{EventID: envelope.ID, Outcome: outcome}, nil
}

func (a *Adapter) call(ctx context.Context, operation, method, path string, body any) (*adapters.Response, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewClientError(a.Name(), "INVALID_REQUEST_BODY", err.Error())
		}
		payload = encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewClientError(a.Name(), "INVALID_REQUEST", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authorization, err := a.credentials.GenerateAuthorizationHeader(ctx, method, path, string(payload))
	if err != nil {
		return nil, domain.NewClientError(a.Name(), "SIGN_FAILED", err.Error())
	}
	req.Header.Set(consts.Authorization, authorization)

	resp, err := a.transport.Do(ctx, operation, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if resp.Header.Get(HeaderSignature) != "" {
			if err := a.verify(ctx, resp.Header, resp.Body); err != nil {
				a.log.Warn("wechat reply failed verification", zap.Error(err))
				gwErr := domain.NewTransportError(a.Name(), domain.ErrInvalidSignature)
				gwErr.Raw = resp.Body
				return nil, gwErr
			}
		}
		return resp, nil
	}
	return nil, a.classify(resp)
}

// verify checks a platform signature over timestamp, nonce and body.
func (a *Adapter) verify(ctx context.Context, headers http.Header, body []byte) error {
	timestamp := headers.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", timestamp, err)
	}
	if skew := a.now().Sub(time.Unix(unix, 0)); skew > maxClockSkew || skew < -maxClockSkew {
		return fmt.Errorf("timestamp %s outside allowed skew", timestamp)
	}
	message := timestamp + "\n" + headers.Get(HeaderNonce) + "\n" + string(body) + "\n"
	return a.verifier.Verify(ctx, headers.Get(HeaderSerial), message, headers.Get(HeaderSignature))
}

func (a *Adapter) classify(resp *adapters.Response) error {
	var out struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body, &out)
	if out.Code == "" {
		out.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		gwErr := domain.NewTransportError(a.Name(), fmt.Errorf("%s: %s", out.Code, out.Message))
		gwErr.Raw = resp.Body
		return gwErr
	}
	a.log.Debug("wechat call rejected", zap.Int("status", resp.StatusCode), zap.String("code", out.Code))
	if _, ok := clientCodes[out.Code]; ok || resp.StatusCode == http.StatusUnauthorized {
		gwErr := domain.NewClientError(a.Name(), out.Code, out.Message)
		gwErr.Raw = resp.Body
		return gwErr
	}
	return domain.NewBusinessError(a.Name(), out.Code, out.Message, resp.Body)
}

func mapTradeState(state string) string {
	switch state {
	case "SUCCESS", "REFUND":
		return domain.ChargeStateSuccess
	case "":
		return domain.ChargeStateNotPay
	}
	if domain.IsValidChargeState(state) {
		return state
	}
	return domain.ChargeStateNotPay
}
