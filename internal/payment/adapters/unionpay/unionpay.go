// Package unionpay implements the UnionPay online gateway channel.
package unionpay

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://gateway.95516.com"

	pathFront = "/gateway/api/frontTransReq.do"
	pathApp   = "/gateway/api/appTransReq.do"
	pathBack  = "/gateway/api/backTransReq.do"
	pathQuery = "/gateway/api/queryTrans.do"

	txnConsume = "01"
	txnQuery   = "00"
	txnRefund  = "04"

	respSuccess  = "00"
	respNotExist = "34"

	timeLayout = "20060102150405"

	// signMethodRSA is SHA-256 with RSA over the hex digest of the
	// canonical parameters.
	signMethodRSA = "01"
)

var beijing = time.FixedZone("CST", 8*60*60)

// currencyCodes maps ISO 4217 numeric codes used on the wire.
var currencyCodes = map[string]string{
	"CNY": "156",
	"HKD": "344",
	"USD": "840",
}

type Adapter struct {
	cfg       config.ChannelConfig
	key       *rsa.PrivateKey
	verifyKey *rsa.PublicKey
	endpoint  string
	transport *adapters.Transport
	log       *zap.Logger
	now       func() time.Time
}

// New builds the adapter. cfg.PrivateKey is the merchant signing key,
// cfg.CertSerialNo its certificate id, and cfg.PublicKey the UnionPay
// verification certificate.
func New(cfg config.ChannelConfig, m *metrics.PaymentMetrics, log *zap.Logger) (*Adapter, error) {
	key, err := adapters.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unionpay: %w", err)
	}
	verifyKey, err := adapters.ParsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("unionpay: %w", err)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:       cfg,
		key:       key,
		verifyKey: verifyKey,
		endpoint:  endpoint,
		transport: adapters.NewTransport(domain.ChannelUnionPay, cfg, m),
		log:       log.Named("payment.unionpay"),
		now:       time.Now,
	}, nil
}

func (a *Adapter) Name() string { return domain.ChannelUnionPay }

func (a *Adapter) TradeTypes() []string {
	return []string{domain.TradeTypeWeb, domain.TradeTypeWap, domain.TradeTypeApp, domain.TradeTypeScan}
}

func (a *Adapter) Ack() domain.NotifyAck {
	return domain.NotifyAck{ContentType: "text/plain; charset=utf-8", Body: []byte("ok")}
}

func (a *Adapter) Prepay(ctx context.Context, req domain.PrepayRequest) (domain.Credential, error) {
	currency, ok := currencyCodes[money.NormalizeCurrency(req.Amount.Currency)]
	if !ok {
		return nil, domain.NewClientError(a.Name(), "UNSUPPORTED_CURRENCY", req.Amount.Currency)
	}
	params := a.baseParams(txnConsume)
	params.Set("txnSubType", "01")
	params.Set("orderId", req.OutTradeNo)
	params.Set("txnAmt", strconv.FormatInt(req.Amount.Value, 10))
	params.Set("currencyCode", currency)
	params.Set("backUrl", req.NotifyURL)
	if req.ExpireAt != nil {
		params.Set("payTimeout", req.ExpireAt.In(beijing).Format(timeLayout))
	}

	switch req.TradeType {
	case domain.TradeTypeWeb, domain.TradeTypeWap:
		if req.TradeType == domain.TradeTypeWap {
			params.Set("channelType", "08")
		}
		params.Set("frontUrl", req.ReturnURL)
		if err := a.sign(params); err != nil {
			return nil, err
		}
		return domain.Credential{"html": adapters.AutoSubmitForm(a.endpoint+pathFront, params)}, nil
	case domain.TradeTypeApp:
		params.Set("channelType", "08")
		reply, err := a.call(ctx, "prepay", pathApp, params)
		if err != nil {
			return nil, err
		}
		return domain.Credential{"tn": reply.Get("tn")}, nil
	case domain.TradeTypeScan:
		params.Set("txnSubType", "07")
		reply, err := a.call(ctx, "prepay", pathBack, params)
		if err != nil {
			return nil, err
		}
		return domain.Credential{"qr_code": reply.Get("qrCode")}, nil
	}
	return nil, domain.ErrUnsupportedTradeType
}

func (a *Adapter) Query(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
	params := a.baseParams(txnQuery)
	params.Set("txnSubType", "00")
	params.Set("orderId", outTradeNo)
	reply, err := a.call(ctx, "query", pathQuery, params)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Code == respNotExist {
			return &domain.OrderStatus{OutTradeNo: outTradeNo, TradeState: domain.ChargeStateNotPay, Raw: gwErr.Raw}, nil
		}
		return nil, err
	}
	status := &domain.OrderStatus{
		OutTradeNo:    outTradeNo,
		TransactionNo: reply.Get("queryId"),
		TradeState:    mapOrigResp(reply.Get("origRespCode")),
		Raw:           []byte(reply.Encode()),
	}
	if raw := reply.Get("txnAmt"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, adapters.Unparseable(a.Name(), nil, err)
		}
		amount := money.New(value, currencyOf(reply.Get("currencyCode")))
		status.Amount = &amount
	}
	return status, nil
}

// Close confirms an unpaid order is dead. UnionPay consume orders lapse at
// payTimeout on their own, so there is nothing to cancel remotely.
func (a *Adapter) Close(ctx context.Context, outTradeNo string) (*domain.CloseResult, error) {
	status, err := a.Query(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	if domain.IsPaidState(status.TradeState) {
		return &domain.CloseResult{Closed: false, Code: "ORDERPAID", Message: "order already paid", Raw: status.Raw}, nil
	}
	return &domain.CloseResult{Closed: true, Code: status.TradeState, Raw: status.Raw}, nil
}

// Refund submits a refund request. UnionPay acknowledges it synchronously and
// reports the result through the back notification.
func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
	if req.TransactionNo == "" {
		return nil, domain.NewClientError(a.Name(), "MISSING_QUERY_ID", "refunds require the original queryId")
	}
	params := a.baseParams(txnRefund)
	params.Set("txnSubType", "00")
	params.Set("orderId", req.OutRefundNo)
	params.Set("origQryId", req.TransactionNo)
	params.Set("txnAmt", strconv.FormatInt(req.Amount.Value, 10))
	params.Set("backUrl", req.NotifyURL)
	reply, err := a.call(ctx, "refund", pathBack, params)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Kind == domain.GatewayErrorBusiness {
			return &domain.RefundOutcome{Status: domain.RefundOutcomeFailed, Code: gwErr.Code, Message: gwErr.Message, Raw: gwErr.Raw}, nil
		}
		return nil, err
	}
	return &domain.RefundOutcome{
		Status:        domain.RefundOutcomeProcessing,
		TransactionNo: reply.Get("queryId"),
		Code:          reply.Get("respCode"),
		Message:       reply.Get("respMsg"),
		Raw:           []byte(reply.Encode()),
	}, nil
}

func (a *Adapter) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error) {
	return nil, domain.NewClientError(a.Name(), "UNSUPPORTED", "transfers are not available on this channel")
}

func (a *Adapter) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	params, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if !a.verify(params) {
		return nil, domain.ErrInvalidSignature
	}
	if merID := params.Get("merId"); a.cfg.MerchantID != "" && merID != a.cfg.MerchantID {
		return nil, domain.ErrInvalidEvent
	}
	queryID := strings.TrimSpace(params.Get("queryId"))
	orderID := strings.TrimSpace(params.Get("orderId"))
	if queryID == "" || orderID == "" {
		return nil, domain.ErrInvalidPayload
	}

	outcome := domain.Outcome{
		Source:        domain.SourceNotify,
		Channel:       a.Name(),
		RecordID:      orderID,
		TransactionNo: queryID,
		Raw:           payload,
	}
	if raw := params.Get("txnAmt"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, domain.ErrInvalidPayload
		}
		amount := money.New(value, currencyOf(params.Get("currencyCode")))
		outcome.Amount = &amount
	}
	success := params.Get("respCode") == respSuccess
	failure := domain.NewFailure(params.Get("respCode"), params.Get("respMsg"))

	switch params.Get("txnType") {
	case txnConsume:
		if success {
			outcome.Kind = domain.OutcomeChargeSucceeded
		} else {
			outcome.Kind = domain.OutcomeChargeFailed
			outcome.Failure = failure
		}
	case txnRefund:
		if success {
			outcome.Kind = domain.OutcomeRefundSucceeded
		} else {
			outcome.Kind = domain.OutcomeRefundAbnormal
			outcome.Failure = failure
		}
	default:
		return nil, domain.ErrEventIgnored
	}
	return &domain.Notification{
		EventID: queryID + ":" + params.Get("txnType"),
		Outcome: outcome,
	}, nil
}

func (a *Adapter) baseParams(txnType string) url.Values {
	params := url.Values{}
	params.Set("version", "5.1.0")
	params.Set("encoding", "UTF-8")
	params.Set("signMethod", signMethodRSA)
	params.Set("certId", a.cfg.CertSerialNo)
	params.Set("txnType", txnType)
	params.Set("bizType", "000201")
	params.Set("channelType", "07")
	params.Set("accessType", "0")
	params.Set("merId", a.cfg.MerchantID)
	params.Set("txnTime", a.now().In(beijing).Format(timeLayout))
	return params
}

func (a *Adapter) call(ctx context.Context, operation, path string, params url.Values) (url.Values, error) {
	if err := a.sign(params); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, domain.NewClientError(a.Name(), "INVALID_REQUEST", err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

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
	reply, err := url.ParseQuery(string(resp.Body))
	if err != nil {
		return nil, adapters.Unparseable(a.Name(), resp, err)
	}
	if !a.verify(reply) {
		gwErr := domain.NewTransportError(a.Name(), domain.ErrInvalidSignature)
		gwErr.Raw = resp.Body
		return nil, gwErr
	}
	return reply, a.classify(reply, resp.Body)
}

// digest is the lowercase hex SHA-256 of the canonical parameters, which is
// what UnionPay signs.
func digest(params url.Values) string {
	sum := sha256.Sum256([]byte(adapters.CanonicalParams(params, "signature")))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) sign(params url.Values) error {
	params.Del("signature")
	signature, err := adapters.SignSHA256WithRSA(a.key, digest(params))
	if err != nil {
		return domain.NewClientError(a.Name(), "SIGN_FAILED", err.Error())
	}
	params.Set("signature", signature)
	return nil
}

func (a *Adapter) verify(params url.Values) bool {
	return adapters.VerifySHA256WithRSA(a.verifyKey, digest(params), params.Get("signature"))
}

func (a *Adapter) classify(reply url.Values, raw []byte) error {
	code := reply.Get("respCode")
	msg := reply.Get("respMsg")
	switch code {
	case respSuccess:
		return nil
	case "03", "04", "05":
		gwErr := domain.NewTransportError(a.Name(), fmt.Errorf("%s: %s", code, msg))
		gwErr.Code = code
		gwErr.Raw = raw
		return gwErr
	case "30", "31", "32", "33":
		gwErr := domain.NewClientError(a.Name(), code, msg)
		gwErr.Raw = raw
		return gwErr
	}
	a.log.Debug("unionpay call rejected", zap.String("code", code))
	return domain.NewBusinessError(a.Name(), code, msg, raw)
}

func mapOrigResp(code string) string {
	switch code {
	case respSuccess:
		return domain.ChargeStateSuccess
	case "03", "04", "05":
		return domain.ChargeStateUserPaying
	case "":
		return domain.ChargeStateNotPay
	}
	return domain.ChargeStatePayError
}

func currencyOf(numeric string) string {
	for iso, code := range currencyCodes {
		if code == numeric {
			return iso
		}
	}
	return money.DefaultCurrency
}
