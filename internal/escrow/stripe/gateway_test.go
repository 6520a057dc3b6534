package stripe

import (
	"context"
	"errors"
	"testing"

	"commitment-escrow/backend/internal/escrow"

	stripeapi "github.com/stripe/stripe-go/v82"
)

type fakeIntents struct {
	byID       map[string]*stripeapi.PaymentIntent
	lastNew    *stripeapi.PaymentIntentParams
	captureErr error
	cancelErr  error
	captures   int
	cancels    int
}

func newFake() *fakeIntents {
	return &fakeIntents{byID: make(map[string]*stripeapi.PaymentIntent)}
}

func (f *fakeIntents) New(p *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	f.lastNew = p
	st := stripeapi.PaymentIntentStatusRequiresPaymentMethod
	if p.Confirm != nil && *p.Confirm {
		st = stripeapi.PaymentIntentStatusRequiresCapture
	}
	pi := &stripeapi.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: st, Amount: *p.Amount,
		Currency: stripeapi.Currency(*p.Currency), Metadata: p.Metadata}
	f.byID[pi.ID] = pi
	return pi, nil
}

func (f *fakeIntents) Get(id string, _ *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	pi, ok := f.byID[id]
	if !ok {
		return nil, &stripeapi.Error{Code: stripeapi.ErrorCodeResourceMissing, Msg: "No such payment_intent"}
	}
	return pi, nil
}

func (f *fakeIntents) Capture(id string, _ *stripeapi.PaymentIntentCaptureParams) (*stripeapi.PaymentIntent, error) {
	f.captures++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	pi := f.byID[id]
	pi.Status = stripeapi.PaymentIntentStatusSucceeded
	return pi, nil
}

func (f *fakeIntents) Cancel(id string, _ *stripeapi.PaymentIntentCancelParams) (*stripeapi.PaymentIntent, error) {
	f.cancels++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	pi := f.byID[id]
	pi.Status = stripeapi.PaymentIntentStatusCanceled
	return pi, nil
}

func unexpectedState() error {
	return &stripeapi.Error{Code: stripeapi.ErrorCodePaymentIntentUnexpectedState, Msg: "unexpected state"}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New with empty key should fail")
	}
}

func TestAuthorize_ManualCapture(t *testing.T) {
	f := newFake()
	g := &Gateway{intents: f}
	h, err := g.Authorize(context.Background(), escrow.AuthorizeRequest{
		Amount: 5000, Currency: "usd", IdempotencyKey: "k1", Metadata: map[string]string{"userId": "alice"},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if *f.lastNew.CaptureMethod != string(stripeapi.PaymentIntentCaptureMethodManual) {
		t.Errorf("capture method = %q, want manual", *f.lastNew.CaptureMethod)
	}
	if f.lastNew.IdempotencyKey == nil || *f.lastNew.IdempotencyKey != "k1" {
		t.Error("idempotency key not forwarded")
	}
	if f.lastNew.Metadata["userId"] != "alice" {
		t.Errorf("metadata = %v", f.lastNew.Metadata)
	}
	if h.Status != escrow.HoldRequiresAction || h.ClientSecret == "" {
		t.Errorf("hold = %+v, want requires_action with client secret", h)
	}
}

func TestAuthorize_ConfirmWithPaymentMethod(t *testing.T) {
	f := newFake()
	g := &Gateway{intents: f}
	h, err := g.Authorize(context.Background(), escrow.AuthorizeRequest{Amount: 5000, Currency: "usd", PaymentMethod: "pm_card_visa"})
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != escrow.HoldAuthorized {
		t.Errorf("status = %q, want authorized", h.Status)
	}
	if f.lastNew.AutomaticPaymentMethods.AllowRedirects == nil || *f.lastNew.AutomaticPaymentMethods.AllowRedirects != "never" {
		t.Error("server-side confirmation must disable redirects")
	}
}

func TestAuthorize_RejectsNonPositive(t *testing.T) {
	g := &Gateway{intents: newFake()}
	if _, err := g.Authorize(context.Background(), escrow.AuthorizeRequest{Amount: 0, Currency: "usd"}); err == nil {
		t.Fatal("Authorize with zero amount should fail")
	}
}

func TestCapture_AlreadyCapturedIsSuccess(t *testing.T) {
	f := newFake()
	f.byID["pi_1"] = &stripeapi.PaymentIntent{ID: "pi_1", Status: stripeapi.PaymentIntentStatusSucceeded, Amount: 100}
	f.captureErr = unexpectedState()
	g := &Gateway{intents: f}

	h, err := g.Capture(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if h.Status != escrow.HoldCaptured {
		t.Errorf("status = %q, want captured", h.Status)
	}
}

func TestCapture_CanceledHoldFails(t *testing.T) {
	f := newFake()
	f.byID["pi_1"] = &stripeapi.PaymentIntent{ID: "pi_1", Status: stripeapi.PaymentIntentStatusCanceled}
	f.captureErr = unexpectedState()
	g := &Gateway{intents: f}

	_, err := g.Capture(context.Background(), "pi_1")
	if !errors.Is(err, escrow.ErrHoldState) {
		t.Errorf("err = %v, want ErrHoldState", err)
	}
}

func TestCancel_AlreadyCanceledIsSuccess(t *testing.T) {
	f := newFake()
	f.byID["pi_1"] = &stripeapi.PaymentIntent{ID: "pi_1", Status: stripeapi.PaymentIntentStatusCanceled}
	f.cancelErr = unexpectedState()
	g := &Gateway{intents: f}

	h, err := g.Cancel(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.Status != escrow.HoldCanceled {
		t.Errorf("status = %q, want canceled", h.Status)
	}
}

func TestCapture_OtherErrorsPropagate(t *testing.T) {
	f := newFake()
	f.byID["pi_1"] = &stripeapi.PaymentIntent{ID: "pi_1", Status: stripeapi.PaymentIntentStatusRequiresCapture}
	f.captureErr = &stripeapi.Error{Code: stripeapi.ErrorCodeCardDeclined, Msg: "card declined"}
	g := &Gateway{intents: f}

	_, err := g.Capture(context.Background(), "pi_1")
	if err == nil {
		t.Fatal("Capture should fail")
	}
	if errors.Is(err, escrow.ErrHoldState) {
		t.Error("decline should not be reported as a state error")
	}
}

func TestLookup_Missing(t *testing.T) {
	g := &Gateway{intents: newFake()}
	if _, err := g.Lookup(context.Background(), "pi_missing"); !errors.Is(err, escrow.ErrHoldNotFound) {
		t.Errorf("err = %v, want ErrHoldNotFound", err)
	}
}

func TestHoldStatusMapping(t *testing.T) {
	testCases := map[stripeapi.PaymentIntentStatus]escrow.HoldStatus{
		stripeapi.PaymentIntentStatusRequiresCapture:       escrow.HoldAuthorized,
		stripeapi.PaymentIntentStatusSucceeded:             escrow.HoldCaptured,
		stripeapi.PaymentIntentStatusCanceled:              escrow.HoldCanceled,
		stripeapi.PaymentIntentStatusRequiresAction:        escrow.HoldRequiresAction,
		stripeapi.PaymentIntentStatusRequiresPaymentMethod: escrow.HoldRequiresAction,
		stripeapi.PaymentIntentStatusProcessing:            escrow.HoldRequiresAction,
	}
	for in, want := range testCases {
		if got := holdStatus(in); got != want {
			t.Errorf("holdStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
