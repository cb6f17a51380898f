// Package alipay implements the Alipay open platform channel.
package alipay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-pay/gopay"
	alisdk "github.com/go-pay/gopay/alipay"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://openapi.alipay.com/gateway.do"

	codeSuccess        = "10000"
	codePayInProcess   = "10003"
	codeUnavailable    = "20000"
	subCodeTradeAbsent = "ACQ.TRADE_NOT_EXIST"

	timeLayout = "2006-01-02 15:04:05"
	signType   = "RSA2"
)

// Alipay timestamps are Beijing time.
var beijing = time.FixedZone("CST", 8*60*60)

type Adapter struct {
	cfg       config.ChannelConfig
	key       *rsa.PrivateKey
	endpoint  string
	transport *adapters.Transport
	log       *zap.Logger
	now       func() time.Time
}

// New builds the adapter. Requests are signed RSA2 with cfg.PrivateKey and
// replies are verified against cfg.PublicKey, the bare base64 Alipay
// public key.
func New(cfg config.ChannelConfig, m *metrics.PaymentMetrics, log *zap.Logger) (*Adapter, error) {
	key, err := adapters.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("alipay: %w", err)
	}
	if strings.TrimSpace(cfg.PublicKey) == "" {
		return nil, fmt.Errorf("alipay: public_key is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:       cfg,
		key:       key,
		endpoint:  endpoint,
		transport: adapters.NewTransport(domain.ChannelAlipay, cfg, m),
		log:       log.Named("payment.alipay"),
		now:       time.Now,
	}, nil
}

func (a *Adapter) Name() string { return domain.ChannelAlipay }

func (a *Adapter) TradeTypes() []string {
	return []string{
		domain.TradeTypeWeb,
		domain.TradeTypeWap,
		domain.TradeTypeApp,
		domain.TradeTypePos,
		domain.TradeTypeScan,
		domain.TradeTypeMini,
	}
}

func (a *Adapter) Ack() domain.NotifyAck {
	return domain.NotifyAck{ContentType: "text/plain; charset=utf-8", Body: []byte("success")}
}

func (a *Adapter) Prepay(ctx context.Context, req domain.PrepayRequest) (domain.Credential, error) {
	biz := map[string]any{
		"out_trade_no": req.OutTradeNo,
		"total_amount": req.Amount.MajorString(),
		"subject":      req.Subject,
	}
	if req.Description != "" {
		biz["body"] = req.Description
	}
	if req.ExpireAt != nil {
		biz["time_expire"] = req.ExpireAt.In(beijing).Format(timeLayout)
	}
	extra := map[string]string{"notify_url": req.NotifyURL}

	switch req.TradeType {
	case domain.TradeTypeWeb:
		biz["product_code"] = "FAST_INSTANT_TRADE_PAY"
		extra["return_url"] = req.ReturnURL
		return a.formCredential("alipay.trade.page.pay", biz, extra)
	case domain.TradeTypeWap:
		biz["product_code"] = "QUICK_WAP_WAY"
		if req.QuitURL != "" {
			biz["quit_url"] = req.QuitURL
		}
		extra["return_url"] = req.ReturnURL
		return a.formCredential("alipay.trade.wap.pay", biz, extra)
	case domain.TradeTypeApp:
		biz["product_code"] = "QUICK_MSECURITY_PAY"
		params, err := a.signedParams("alipay.trade.app.pay", biz, extra)
		if err != nil {
			return nil, err
		}
		return queryCredential(params.Encode())
	case domain.TradeTypeScan:
		env, err := a.call(ctx, "prepay", "alipay.trade.precreate", biz, extra)
		if err != nil {
			return nil, err
		}
		var out struct {
			QRCode string `json:"qr_code"`
		}
		if err := env.decode(&out); err != nil {
			return nil, err
		}
		return domain.Credential{"qr_code": out.QRCode}, nil
	case domain.TradeTypePos:
		authCode := adapters.MetadataString(req.Metadata, "auth_code")
		if authCode == "" {
			return nil, domain.NewClientError(a.Name(), "MISSING_AUTH_CODE", "pos payments require auth_code")
		}
		biz["scene"] = "bar_code"
		biz["auth_code"] = authCode
		env, err := a.call(ctx, "prepay", "alipay.trade.pay", biz, extra)
		if err != nil {
			return nil, err
		}
		var out struct {
			TradeNo string `json:"trade_no"`
		}
		if err := env.decode(&out); err != nil {
			return nil, err
		}
		return domain.Credential{"trade_no": out.TradeNo, "code": env.Code}, nil
	case domain.TradeTypeMini:
		buyerID := adapters.MetadataString(req.Metadata, "buyer_id")
		if buyerID == "" {
			return nil, domain.NewClientError(a.Name(), "MISSING_BUYER_ID", "mini program payments require buyer_id")
		}
		biz["buyer_id"] = buyerID
		biz["product_code"] = "JSAPI_PAY"
		env, err := a.call(ctx, "prepay", "alipay.trade.create", biz, extra)
		if err != nil {
			return nil, err
		}
		var out struct {
			TradeNo string `json:"trade_no"`
		}
		if err := env.decode(&out); err != nil {
			return nil, err
		}
		return domain.Credential{"trade_no": out.TradeNo}, nil
	}
	return nil, domain.ErrUnsupportedTradeType
}

func (a *Adapter) Query(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
	env, err := a.call(ctx, "query", "alipay.trade.query", map[string]any{"out_trade_no": outTradeNo}, nil)
	if err != nil {
		// The order is created lazily on Alipay's side; an unscanned QR
		// code is simply unpaid.
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Code == subCodeTradeAbsent {
			return &domain.OrderStatus{OutTradeNo: outTradeNo, TradeState: domain.ChargeStateNotPay, Raw: gwErr.Raw}, nil
		}
		return nil, err
	}
	var out struct {
		TradeNo     string `json:"trade_no"`
		OutTradeNo  string `json:"out_trade_no"`
		TradeStatus string `json:"trade_status"`
		TotalAmount string `json:"total_amount"`
	}
	if err := env.decode(&out); err != nil {
		return nil, err
	}
	status := &domain.OrderStatus{
		OutTradeNo:    outTradeNo,
		TransactionNo: out.TradeNo,
		TradeState:    mapTradeStatus(out.TradeStatus),
		Raw:           env.Raw,
	}
	if out.TotalAmount != "" {
		amount, err := money.ParseMajor(out.TotalAmount, money.DefaultCurrency)
		if err != nil {
			return nil, adapters.Unparseable(a.Name(), nil, err)
		}
		status.Amount = &amount
	}
	return status, nil
}

func (a *Adapter) Close(ctx context.Context, outTradeNo string) (*domain.CloseResult, error) {
	env, err := a.call(ctx, "close", "alipay.trade.close", map[string]any{"out_trade_no": outTradeNo}, nil)
	if err != nil {
		gwErr, ok := domain.AsGatewayError(err)
		if !ok || gwErr.Kind != domain.GatewayErrorBusiness {
			return nil, err
		}
		if gwErr.Code == subCodeTradeAbsent {
			return &domain.CloseResult{Closed: true, Code: gwErr.Code, Message: gwErr.Message, Raw: gwErr.Raw}, nil
		}
		return &domain.CloseResult{Closed: false, Code: gwErr.Code, Message: gwErr.Message, Raw: gwErr.Raw}, nil
	}
	return &domain.CloseResult{Closed: true, Code: env.Code, Message: env.Msg, Raw: env.Raw}, nil
}

func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
	biz := map[string]any{
		"out_trade_no":   req.OutTradeNo,
		"out_request_no": req.OutRefundNo,
		"refund_amount":  req.Amount.MajorString(),
	}
	if req.TransactionNo != "" {
		biz["trade_no"] = req.TransactionNo
	}
	if req.Reason != "" {
		biz["refund_reason"] = req.Reason
	}
	env, err := a.call(ctx, "refund", "alipay.trade.refund", biz, nil)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Kind == domain.GatewayErrorBusiness {
			return &domain.RefundOutcome{
				Status:  domain.RefundOutcomeFailed,
				Code:    gwErr.Code,
				Message: gwErr.Message,
				Raw:     gwErr.Raw,
			}, nil
		}
		return nil, err
	}
	var out struct {
		TradeNo string `json:"trade_no"`
	}
	if err := env.decode(&out); err != nil {
		return nil, err
	}
	return &domain.RefundOutcome{
		Status:        domain.RefundOutcomeSuccess,
		TransactionNo: out.TradeNo,
		Code:          env.Code,
		Message:       env.Msg,
		Raw:           env.Raw,
	}, nil
}

func (a *Adapter) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error) {
	identityType := strings.TrimSpace(req.Recipient.AccountType)
	if identityType == "" {
		identityType = "ALIPAY_LOGON_ID"
	}
	payee := map[string]any{
		"identity":      req.Recipient.Account,
		"identity_type": identityType,
	}
	if req.Recipient.Name != "" {
		payee["name"] = req.Recipient.Name
	}
	biz := map[string]any{
		"out_biz_no":   req.OutBizNo,
		"trans_amount": req.Amount.MajorString(),
		"product_code": "TRANS_ACCOUNT_NO_PWD",
		"biz_scene":    "DIRECT_TRANSFER",
		"order_title":  req.Description,
		"payee_info":   payee,
	}
	env, err := a.call(ctx, "transfer", "alipay.fund.trans.uni.transfer", biz, nil)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Kind == domain.GatewayErrorBusiness {
			return &domain.TransferOutcome{
				Status:  domain.TransferOutcomeFailed,
				Code:    gwErr.Code,
				Message: gwErr.Message,
				Raw:     gwErr.Raw,
			}, nil
		}
		return nil, err
	}
	var out struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := env.decode(&out); err != nil {
		return nil, err
	}
	outcome := &domain.TransferOutcome{OrderID: out.OrderID, Code: env.Code, Message: env.Msg, Raw: env.Raw}
	switch out.Status {
	case "SUCCESS":
		outcome.Status = domain.TransferOutcomeSuccess
	case "FAIL", "CLOSED":
		outcome.Status = domain.TransferOutcomeFailed
		outcome.Code = out.Status
	default:
		outcome.Status = domain.TransferOutcomeInFlight
	}
	return outcome, nil
}

// ParseNotification verifies an asynchronous trade notification. Alipay
// notifications are confirmed by a follow-up query before they are applied.
func (a *Adapter) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	params, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if params.Get("sign") == "" {
		return nil, domain.ErrInvalidSignature
	}
	bm := make(gopay.BodyMap, len(params))
	for key := range params {
		bm.Set(key, params.Get(key))
	}
	if ok, err := alisdk.VerifySign(a.cfg.PublicKey, bm); err != nil || !ok {
		return nil, domain.ErrInvalidSignature
	}
	if appID := params.Get("app_id"); a.cfg.AppID != "" && appID != a.cfg.AppID {
		return nil, domain.ErrInvalidEvent
	}
	eventID := strings.TrimSpace(params.Get("notify_id"))
	outTradeNo := strings.TrimSpace(params.Get("out_trade_no"))
	if eventID == "" || outTradeNo == "" {
		return nil, domain.ErrInvalidPayload
	}

	// Refunds are synchronous on this channel; the trade notifications
	// that follow them carry nothing new.
	if params.Get("gmt_refund") != "" || params.Get("refund_fee") != "" {
		return nil, domain.ErrEventIgnored
	}

	outcome := domain.Outcome{
		Source:        domain.SourceNotify,
		Channel:       a.Name(),
		RecordID:      outTradeNo,
		TransactionNo: params.Get("trade_no"),
		Raw:           payload,
	}
	switch params.Get("trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		outcome.Kind = domain.OutcomeChargeSucceeded
		if total := params.Get("total_amount"); total != "" {
			amount, err := money.ParseMajor(total, money.DefaultCurrency)
			if err != nil {
				return nil, domain.ErrInvalidPayload
			}
			outcome.Amount = &amount
		}
	case "TRADE_CLOSED":
		outcome.Kind = domain.OutcomeChargeClosed
	default:
		return nil, domain.ErrEventIgnored
	}
	return &domain.Notification{EventID: eventID, Outcome: outcome, NeedsConfirmation: true}, nil
}

func (a *Adapter) formCredential(method string, biz map[string]any, extra map[string]string) (domain.Credential, error) {
	params, err := a.signedParams(method, biz, extra)
	if err != nil {
		return nil, err
	}
	return domain.Credential{"html": adapters.AutoSubmitForm(a.endpoint+"?charset=utf-8", params)}, nil
}

func (a *Adapter) signedParams(method string, biz map[string]any, extra map[string]string) (url.Values, error) {
	content, err := json.Marshal(biz)
	if err != nil {
		return nil, domain.NewClientError(a.Name(), "INVALID_BIZ_CONTENT", err.Error())
	}
	bm := make(gopay.BodyMap)
	bm.Set("app_id", a.cfg.AppID).
		Set("method", method).
		Set("format", "JSON").
		Set("charset", "utf-8").
		Set("sign_type", signType).
		Set("timestamp", a.now().In(beijing).Format(timeLayout)).
		Set("version", "1.0").
		Set("biz_content", string(content))
	for key, value := range extra {
		if value != "" {
			bm.Set(key, value)
		}
	}
	sign, err := alisdk.GetRsaSign(bm, signType, a.key)
	if err != nil {
		return nil, domain.NewClientError(a.Name(), "SIGN_FAILED", err.Error())
	}

	params := url.Values{}
	for key := range bm {
		params.Set(key, bm.GetString(key))
	}
	params.Set("sign", sign)
	return params, nil
}

type envelope struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	SubCode string `json:"sub_code"`
	SubMsg  string `json:"sub_msg"`

	body json.RawMessage
	Raw  []byte `json:"-"`
}

func (e *envelope) decode(out any) error {
	if err := json.Unmarshal(e.body, out); err != nil {
		return domain.NewTransportError(domain.ChannelAlipay, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (a *Adapter) call(ctx context.Context, operation, method string, biz map[string]any, extra map[string]string) (*envelope, error) {
	params, err := a.signedParams(method, biz, extra)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, domain.NewClientError(a.Name(), "INVALID_REQUEST", err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := a.transport.Do(ctx, operation, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		gwErr := domain.NewTransportError(a.Name(), fmt.Errorf("http status %d", resp.StatusCode))
		gwErr.Raw = resp.Body
		return nil, gwErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewClientError(a.Name(), fmt.Sprintf("HTTP_%d", resp.StatusCode), http.StatusText(resp.StatusCode))
	}

	var document map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &document); err != nil {
		return nil, adapters.Unparseable(a.Name(), resp, err)
	}
	body, ok := document[strings.ReplaceAll(method, ".", "_")+"_response"]
	if !ok {
		body, ok = document["error_response"]
	}
	if !ok {
		return nil, adapters.Unparseable(a.Name(), resp, fmt.Errorf("missing %s response node", method))
	}
	if raw, signed := document["sign"]; signed {
		var sign string
		if err := json.Unmarshal(raw, &sign); err != nil {
			return nil, adapters.Unparseable(a.Name(), resp, err)
		}
		if ok, err := alisdk.VerifySyncSign(a.cfg.PublicKey, string(body), sign); err != nil || !ok {
			gwErr := domain.NewTransportError(a.Name(), domain.ErrInvalidSignature)
			gwErr.Raw = resp.Body
			return nil, gwErr
		}
	}

	env := &envelope{body: body, Raw: resp.Body}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, adapters.Unparseable(a.Name(), resp, err)
	}
	if err := a.classify(env); err != nil {
		a.log.Debug("alipay call rejected",
			zap.String("method", method),
			zap.String("code", env.Code),
			zap.String("sub_code", env.SubCode),
		)
		return nil, err
	}
	return env, nil
}

func (a *Adapter) classify(env *envelope) error {
	switch env.Code {
	case codeSuccess, codePayInProcess:
		return nil
	case codeUnavailable:
		gwErr := domain.NewTransportError(a.Name(), fmt.Errorf("%s: %s", env.SubCode, env.SubMsg))
		gwErr.Raw = env.Raw
		return gwErr
	case "20001", "40001", "40002", "40006":
		gwErr := domain.NewClientError(a.Name(), firstNonEmpty(env.SubCode, env.Code), firstNonEmpty(env.SubMsg, env.Msg))
		gwErr.Raw = env.Raw
		return gwErr
	}
	return domain.NewBusinessError(a.Name(), firstNonEmpty(env.SubCode, env.Code), firstNonEmpty(env.SubMsg, env.Msg), env.Raw)
}

func mapTradeStatus(status string) string {
	switch status {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		return domain.ChargeStateSuccess
	case "TRADE_CLOSED":
		return domain.ChargeStateClosed
	}
	return domain.ChargeStateNotPay
}

// queryCredential exposes the signed app order string as discrete fields.
func queryCredential(orderString string) (domain.Credential, error) {
	values, err := url.ParseQuery(orderString)
	if err != nil {
		return nil, domain.NewClientError(domain.ChannelAlipay, "INVALID_ORDER_STRING", err.Error())
	}
	credential := domain.Credential{"order_string": orderString}
	for key := range values {
		credential[key] = values.Get(key)
	}
	return credential, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
