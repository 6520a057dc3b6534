// Package sandbox is an in-memory manual-capture payment simulator.
// It backs development without a Stripe key and the settlement tests.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"commitment-escrow/backend/internal/escrow"
)

// ConfirmPaymentMethod is the payment method a client passes to Confirm; it always authorizes.
// Any payment method starting with "pm_decline" is refused.
const ConfirmPaymentMethod = "pm_card_visa"

// ErrDeclined is returned when a payment method is refused.
var ErrDeclined = errors.New("sandbox: card declined")

// Gateway is a thread-safe escrow.Gateway. The zero value is not usable; call New.
type Gateway struct {
	mu          sync.Mutex
	seq         int
	holds       map[string]*escrow.Hold
	idempotency map[string]string
	failures    map[string]error
	captures    map[string]int
	cancels     map[string]int
}

// New returns an empty sandbox.
func New() *Gateway {
	return &Gateway{
		holds:       make(map[string]*escrow.Hold),
		idempotency: make(map[string]string),
		failures:    make(map[string]error),
		captures:    make(map[string]int),
		cancels:     make(map[string]int),
	}
}

// Authorize creates a hold. With a payment method it is authorized at once; otherwise it waits for Confirm.
func (g *Gateway) Authorize(_ context.Context, req escrow.AuthorizeRequest) (*escrow.Hold, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("sandbox: amount must be positive, got %d", req.Amount)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.idempotency[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return clone(g.holds[id]), nil
	}
	if strings.HasPrefix(req.PaymentMethod, "pm_decline") {
		return nil, ErrDeclined
	}
	g.seq++
	id := fmt.Sprintf("pi_sandbox_%d", g.seq)
	h := &escrow.Hold{
		IntentID:     id,
		ClientSecret: id + "_secret",
		Status:       escrow.HoldRequiresAction,
		Amount:       req.Amount,
		Currency:     strings.ToLower(req.Currency),
		Metadata:     maps.Clone(req.Metadata),
	}
	if req.PaymentMethod != "" {
		h.Status = escrow.HoldAuthorized
	}
	g.holds[id] = h
	if req.IdempotencyKey != "" {
		g.idempotency[req.IdempotencyKey] = id
	}
	return clone(h), nil
}

// Confirm plays the client's part: it moves a requires_action hold to authorized.
func (g *Gateway) Confirm(intentID, paymentMethod string) (*escrow.Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[intentID]
	if !ok {
		return nil, escrow.ErrHoldNotFound
	}
	if strings.HasPrefix(paymentMethod, "pm_decline") {
		return nil, ErrDeclined
	}
	if h.Status == escrow.HoldRequiresAction {
		h.Status = escrow.HoldAuthorized
	}
	return clone(h), nil
}

// Lookup returns the hold.
func (g *Gateway) Lookup(_ context.Context, intentID string) (*escrow.Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[intentID]
	if !ok {
		return nil, fmt.Errorf("sandbox: %s: %w", intentID, escrow.ErrHoldNotFound)
	}
	return clone(h), nil
}

// Capture captures an authorized hold. Capturing a captured hold succeeds.
func (g *Gateway) Capture(_ context.Context, intentID string) (*escrow.Hold, error) {
	return g.settle(intentID, escrow.HoldCaptured, g.captures)
}

// Cancel cancels an unsettled hold. Cancelling a cancelled hold succeeds.
func (g *Gateway) Cancel(_ context.Context, intentID string) (*escrow.Hold, error) {
	return g.settle(intentID, escrow.HoldCanceled, g.cancels)
}

func (g *Gateway) settle(intentID string, to escrow.HoldStatus, calls map[string]int) (*escrow.Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	calls[intentID]++
	if err, ok := g.failures[intentID]; ok {
		return nil, err
	}
	h, ok := g.holds[intentID]
	if !ok {
		return nil, fmt.Errorf("sandbox: %s: %w", intentID, escrow.ErrHoldNotFound)
	}
	switch {
	case h.Status == to:
	case h.Status == escrow.HoldAuthorized:
		h.Status = to
	case to == escrow.HoldCanceled && h.Status == escrow.HoldRequiresAction:
		h.Status = to
	default:
		return nil, fmt.Errorf("sandbox: %s is %s: %w", intentID, h.Status, escrow.ErrHoldState)
	}
	return clone(h), nil
}

// FailNext makes every Capture and Cancel of intentID fail with err until Heal is called.
func (g *Gateway) FailNext(intentID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[intentID] = err
}

// Heal clears an injected failure.
func (g *Gateway) Heal(intentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, intentID)
}

// Put registers a hold directly, e.g. to seed an authorized hold with a known id.
func (g *Gateway) Put(h escrow.Hold) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds[h.IntentID] = clone(&h)
}

// Captures reports how many times Capture was called for intentID.
func (g *Gateway) Captures(intentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures[intentID]
}

// Cancels reports how many times Cancel was called for intentID.
func (g *Gateway) Cancels(intentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancels[intentID]
}

func clone(h *escrow.Hold) *escrow.Hold {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Metadata = maps.Clone(h.Metadata)
	return &cp
}
