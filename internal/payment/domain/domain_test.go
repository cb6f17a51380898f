package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestChargeRefundableFloorsAtZero(t *testing.T) {
	charge := &Charge{TotalAmount: 10000, RefundedAmount: 2500, Currency: "CNY"}
	if got := charge.Refundable().Value; got != 7500 {
		t.Fatalf("expected 7500 refundable, got %d", got)
	}

	charge.RefundedAmount = 12000
	if got := charge.Refundable().Value; got != 0 {
		t.Fatalf("expected refundable floored at 0, got %d", got)
	}
}

func TestChargePredicates(t *testing.T) {
	charge := &Charge{State: ChargeStateRefund}
	if !charge.Paid() || !charge.HasRefund() {
		t.Fatalf("expected REFUND to count as paid and refunded")
	}
	charge.State = ChargeStateNotPay
	if charge.Paid() {
		t.Fatalf("expected NOTPAY to be unpaid")
	}
	if charge.StateLabel() != "Not paid" || charge.StateDot() != "info" {
		t.Fatalf("unexpected label/dot %q/%q", charge.StateLabel(), charge.StateDot())
	}
	if ChargeStateLabel("BOGUS") != "Unknown" {
		t.Fatalf("expected unknown label for unknown state")
	}
}

func TestFailureScan(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  Failure
	}{
		{name: "nil", value: nil, want: Failure{}},
		{name: "empty object", value: []byte(`{}`), want: Failure{}},
		{name: "string code", value: `{"code":"ACQ.TRADE_HAS_CLOSE","desc":"closed"}`, want: Failure{Code: "ACQ.TRADE_HAS_CLOSE", Desc: "closed"}},
		{name: "numeric code", value: []byte(`{"code":40004,"desc":"Business Failed"}`), want: Failure{Code: "40004", Desc: "Business Failed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got Failure
			if err := got.Scan(tc.value); err != nil {
				t.Fatalf("scan: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestFailureValueRoundTrip(t *testing.T) {
	in := NewFailure(" SYSTEMERROR ", "gateway busy")
	value, err := in.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var out Failure
	if err := out.Scan(value); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out != in || out.Code != "SYSTEMERROR" {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestGatewayErrorClassification(t *testing.T) {
	transport := fmt.Errorf("refund: %w", NewTransportError(ChannelWechat, errors.New("i/o timeout")))
	if !IsTransient(transport) {
		t.Fatalf("expected wrapped transport error to be transient")
	}
	gwErr, ok := AsGatewayError(transport)
	if !ok {
		t.Fatalf("expected gateway error")
	}
	if f := gwErr.Failure(); f.Code != "TRANSPORT" || f.Desc != "i/o timeout" {
		t.Fatalf("unexpected failure %+v", f)
	}

	client := NewClientError(ChannelAlipay, "INVALID_PARAMETER", "bad subject")
	if IsTransient(client) || !IsClientError(client) {
		t.Fatalf("expected client error classification")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatalf("expected plain errors to be non-transient")
	}
}

func TestRawPayloadWrapsNonJSON(t *testing.T) {
	if got := RawPayload(nil); got != nil {
		t.Fatalf("expected nil for empty payload, got %s", got)
	}
	if got := string(RawPayload([]byte(`{"a":1}`))); got != `{"a":1}` {
		t.Fatalf("expected json passthrough, got %s", got)
	}
	if got := string(RawPayload([]byte("trade_status=TRADE_SUCCESS&x=1"))); got != `{"raw":"trade_status=TRADE_SUCCESS&x=1"}` {
		t.Fatalf("unexpected wrapped payload %s", got)
	}
}

func TestOpenStates(t *testing.T) {
	for _, state := range []string{ChargeStateNotPay, ChargeStateUserPaying, ChargeStateAccept} {
		if !IsOpenState(state) {
			t.Fatalf("%s should be open", state)
		}
	}
	for _, state := range []string{ChargeStateSuccess, ChargeStateRefund, ChargeStateClosed, ChargeStatePayError, ChargeStateRevoked} {
		if IsOpenState(state) {
			t.Fatalf("%s should not be open", state)
		}
	}
}
