// Package escrow defines the payment-hold contract the settlement engine and funding flow depend on.
package escrow

import (
	"context"
	"errors"
)

// HoldStatus is the provider-neutral state of a manual-capture hold.
type HoldStatus string

const (
	// HoldRequiresAction means the payer must still confirm the hold on the client.
	HoldRequiresAction HoldStatus = "requires_action"
	// HoldAuthorized means funds are reserved and may be captured or cancelled.
	HoldAuthorized HoldStatus = "authorized"
	HoldCaptured   HoldStatus = "captured"
	HoldCanceled   HoldStatus = "canceled"
)

var (
	// ErrHoldNotFound is returned when the provider has no intent with the given id.
	ErrHoldNotFound = errors.New("escrow: hold not found")
	// ErrHoldState is returned when capture or cancel is impossible from the hold's current state,
	// e.g. capturing a cancelled hold.
	ErrHoldState = errors.New("escrow: hold is in the wrong state")
)

// AuthorizeRequest describes a new hold. Amount is in minor currency units.
type AuthorizeRequest struct {
	Amount   int64
	Currency string
	// Customer is the provider-side customer id; optional.
	Customer string
	// PaymentMethod confirms the hold server-side when set. Otherwise the hold is
	// returned as requires_action and the client confirms it with ClientSecret.
	PaymentMethod  string
	IdempotencyKey string
	Metadata       map[string]string
}

// Hold is a snapshot of a payment hold.
type Hold struct {
	IntentID     string
	ClientSecret string
	Status       HoldStatus
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

// Gateway is a payment provider supporting authorize-now, capture-or-cancel-later.
// Capture on a captured hold and Cancel on a cancelled hold succeed without side effects.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Hold, error)
	Lookup(ctx context.Context, intentID string) (*Hold, error)
	Capture(ctx context.Context, intentID string) (*Hold, error)
	Cancel(ctx context.Context, intentID string) (*Hold, error)
}

// VerifyAuthorized checks that h is an authorized hold for exactly amount in currency.
func VerifyAuthorized(h *Hold, amount int64, currency string) error {
	switch {
	case h == nil:
		return ErrHoldNotFound
	case h.Status != HoldAuthorized:
		return errors.Join(ErrHoldState, errors.New("hold is "+string(h.Status)+", not authorized"))
	case h.Amount != amount:
		return errors.Join(ErrHoldState, errors.New("hold amount does not match stake"))
	case currency != "" && h.Currency != "" && h.Currency != currency:
		return errors.Join(ErrHoldState, errors.New("hold currency does not match"))
	}
	return nil
}
