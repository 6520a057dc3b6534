// Package stripe implements escrow.Gateway with Stripe PaymentIntents using capture_method=manual.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log"

	"commitment-escrow/backend/internal/escrow"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// paymentIntents is the subset of the Stripe PaymentIntents client the gateway uses.
type paymentIntents interface {
	New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	Capture(id string, params *stripeapi.PaymentIntentCaptureParams) (*stripeapi.PaymentIntent, error)
	Cancel(id string, params *stripeapi.PaymentIntentCancelParams) (*stripeapi.PaymentIntent, error)
}

// Gateway is the Stripe escrow gateway.
type Gateway struct {
	intents paymentIntents
}

// New returns a Gateway authenticated with secretKey.
func New(secretKey string) (*Gateway, error) {
	if secretKey == "" {
		return nil, errors.New("escrow/stripe: secret key is required")
	}
	return &Gateway{intents: &paymentintent.Client{B: stripeapi.GetBackend(stripeapi.APIBackend), Key: secretKey}}, nil
}

// Authorize creates a manual-capture PaymentIntent. With a payment method it is confirmed immediately
// and comes back authorized; otherwise the client must confirm it with the returned client secret.
func (g *Gateway) Authorize(ctx context.Context, req escrow.AuthorizeRequest) (*escrow.Hold, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("escrow/stripe: amount must be positive, got %d", req.Amount)
	}
	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(req.Amount),
		Currency:      stripeapi.String(req.Currency),
		CaptureMethod: stripeapi.String(string(stripeapi.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	if req.Customer != "" {
		params.Customer = stripeapi.String(req.Customer)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripeapi.String(req.PaymentMethod)
		params.Confirm = stripeapi.Bool(true)
		params.AutomaticPaymentMethods.AllowRedirects = stripeapi.String("never")
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripeapi.String(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.intents.New(params)
	if err != nil {
		return nil, wrap("authorize", "", err)
	}
	return toHold(pi), nil
}

// Lookup returns the current state of the intent.
func (g *Gateway) Lookup(ctx context.Context, intentID string) (*escrow.Hold, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(intentID, params)
	if err != nil {
		return nil, wrap("lookup", intentID, err)
	}
	return toHold(pi), nil
}

// Capture captures the full authorized amount. A hold that already succeeded is reported as captured.
func (g *Gateway) Capture(ctx context.Context, intentID string) (*escrow.Hold, error) {
	params := &stripeapi.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.IdempotencyKey = stripeapi.String("capture-" + intentID)
	pi, err := g.intents.Capture(intentID, params)
	if err == nil {
		return toHold(pi), nil
	}
	return g.resolve(ctx, "capture", intentID, escrow.HoldCaptured, err)
}

// Cancel releases the hold. A hold that is already cancelled is reported as canceled.
func (g *Gateway) Cancel(ctx context.Context, intentID string) (*escrow.Hold, error) {
	params := &stripeapi.PaymentIntentCancelParams{}
	params.Context = ctx
	params.IdempotencyKey = stripeapi.String("cancel-" + intentID)
	pi, err := g.intents.Cancel(intentID, params)
	if err == nil {
		return toHold(pi), nil
	}
	return g.resolve(ctx, "cancel", intentID, escrow.HoldCanceled, err)
}

// resolve re-reads the intent after an unexpected-state error; reaching the wanted state already counts as success.
func (g *Gateway) resolve(ctx context.Context, op, intentID string, want escrow.HoldStatus, callErr error) (*escrow.Hold, error) {
	var se *stripeapi.Error
	if !errors.As(callErr, &se) || se.Code != stripeapi.ErrorCodePaymentIntentUnexpectedState {
		return nil, wrap(op, intentID, callErr)
	}
	h, err := g.Lookup(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if h.Status == want {
		log.Printf("escrow/stripe: %s %s: already %s", op, intentID, want)
		return h, nil
	}
	return nil, fmt.Errorf("escrow/stripe: %s %s: %w: %s", op, intentID, escrow.ErrHoldState, h.Status)
}

func wrap(op, intentID string, err error) error {
	var se *stripeapi.Error
	if errors.As(err, &se) {
		if se.Code == stripeapi.ErrorCodeResourceMissing {
			return fmt.Errorf("escrow/stripe: %s %s: %w: %s", op, intentID, escrow.ErrHoldNotFound, se.Msg)
		}
		if se.Code == stripeapi.ErrorCodePaymentIntentUnexpectedState {
			return fmt.Errorf("escrow/stripe: %s %s: %w: %s", op, intentID, escrow.ErrHoldState, se.Msg)
		}
		return fmt.Errorf("escrow/stripe: %s %s: %s", op, intentID, se.Msg)
	}
	return fmt.Errorf("escrow/stripe: %s %s: %w", op, intentID, err)
}

func toHold(pi *stripeapi.PaymentIntent) *escrow.Hold {
	return &escrow.Hold{
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       holdStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}

func holdStatus(s stripeapi.PaymentIntentStatus) escrow.HoldStatus {
	switch s {
	case stripeapi.PaymentIntentStatusRequiresCapture:
		return escrow.HoldAuthorized
	case stripeapi.PaymentIntentStatusSucceeded:
		return escrow.HoldCaptured
	case stripeapi.PaymentIntentStatusCanceled:
		return escrow.HoldCanceled
	default:
		return escrow.HoldRequiresAction
	}
}
