// Package settlement captures or cancels escrow holds once a challenge is decided.
// It is the only caller of the gateway's Capture and Cancel.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commitment-escrow/backend/internal/challenge/domain"
	"commitment-escrow/backend/internal/challenge/notify"
	challengerepo "commitment-escrow/backend/internal/challenge/repository"
	"commitment-escrow/backend/internal/escrow"
	"commitment-escrow/backend/internal/ledger"
	ledgerdomain "commitment-escrow/backend/internal/ledger/domain"
	"commitment-escrow/backend/internal/observability"
	"commitment-escrow/backend/internal/platform/lock"
	"commitment-escrow/backend/internal/policy/engine"
	"commitment-escrow/backend/internal/telemetry"
	votedomain "commitment-escrow/backend/internal/vote/domain"
	voterepo "commitment-escrow/backend/internal/vote/repository"
)

const (
	opApprove   = "approve"
	opReject    = "reject"
	opFinalize  = "finalize"
	opReconcile = "reconcile"

	defaultLockTTL = 30 * time.Second
)

// Deps holds the engine's collaborators. Notifier may be nil.
type Deps struct {
	Challenges challengerepo.Repository
	Votes      voterepo.Repository
	Ledger     *ledger.Ledger
	Gateway    escrow.Gateway
	Authz      engine.Authorizer
	Locker     lock.Locker
	LockTTL    time.Duration
	Notifier   *notify.Notifier
}

// Engine settles challenges. Errors it returns are gRPC status errors.
type Engine struct {
	challenges challengerepo.Repository
	votes      voterepo.Repository
	ledger     *ledger.Ledger
	gateway    escrow.Gateway
	authz      engine.Authorizer
	locker     lock.Locker
	lockTTL    time.Duration
	notifier   *notify.Notifier
}

// New returns an Engine. A nil Locker falls back to an in-process lock.
func New(d Deps) *Engine {
	locker := d.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Engine{
		challenges: d.Challenges,
		votes:      d.Votes,
		ledger:     d.Ledger,
		gateway:    d.Gateway,
		authz:      d.Authz,
		locker:     locker,
		lockTTL:    ttl,
		notifier:   d.Notifier,
	}
}

// Approve captures a friend challenge's hold and completes it. Only the challenger may approve.
// A gateway failure writes nothing and returns Internal with the provider message.
func (e *Engine) Approve(ctx context.Context, callerID, challengeID string) (*domain.Challenge, error) {
	return e.decideFriend(ctx, opApprove, engine.ActionApprove, callerID, challengeID)
}

// Reject cancels a friend challenge's hold and fails it. Only the challenger may reject.
func (e *Engine) Reject(ctx context.Context, callerID, challengeID string) (*domain.Challenge, error) {
	return e.decideFriend(ctx, opReject, engine.ActionReject, callerID, challengeID)
}

func (e *Engine) decideFriend(ctx context.Context, op string, action engine.Action, callerID, challengeID string) (c *domain.Challenge, err error) {
	started := time.Now()
	defer func() {
		outcome := outcomeFor(op)
		if err != nil {
			outcome = "error"
		}
		observability.ObserveSettlement(op, outcome, started)
	}()

	c, err = e.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if err := engine.Require(ctx, e.authz, action, callerID, c); err != nil {
		return nil, err
	}
	if err := checkDecidable(c, domain.TypeFriend); err != nil {
		return nil, err
	}
	if c.EscrowIntentID == "" {
		return nil, status.Error(codes.FailedPrecondition, "challenge has no escrow hold")
	}

	unlock, err := e.acquire(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	defer release(unlock, challengeID)

	// Re-read under the lock; a concurrent decision may have landed since the first check.
	if c, err = e.load(ctx, challengeID); err != nil {
		return nil, err
	}
	if err := checkDecidable(c, domain.TypeFriend); err != nil {
		return nil, err
	}

	pass := op == opApprove
	if _, err := e.settleHold(ctx, pass, c.EscrowIntentID); err != nil {
		log.Printf("settlement: %s challenge=%s intent=%s: %v", op, c.ID, c.EscrowIntentID, err)
		return nil, status.Errorf(codes.Internal, "escrow %s failed: %v", holdAction(pass), err)
	}
	tx, err := e.ledger.ByIntent(ctx, c.EscrowIntentID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		log.Printf("settlement: %s challenge=%s: no ledger entry for intent %s", op, c.ID, c.EscrowIntentID)
	} else if _, err := e.mark(ctx, pass, tx.ID); err != nil {
		log.Printf("settlement: %s challenge=%s tx=%s: hold settled but ledger not marked: %v", op, c.ID, tx.ID, err)
		observability.ObserveTransaction(holdAction(pass), "ledger_error")
		return nil, status.Errorf(codes.Internal, "hold %s but ledger update failed; retry the request", pastTense(pass))
	} else {
		observability.ObserveTransaction(holdAction(pass), "ok")
	}

	updated, err := e.finish(ctx, c, pass)
	if err != nil {
		return nil, err
	}
	e.notifier.Changed(ctx, updated, notify.Change{
		Event:    telemetry.EventChallengeSettled,
		UserID:   callerID,
		Amount:   updated.PotAmount,
		Source:   "settlement",
		Metadata: map[string]string{"operation": op, "escrow_intent_id": c.EscrowIntentID},
	})
	return updated, nil
}

// FinalizeSelfChallenge tallies the votes of a self challenge and settles every held stake the
// same way: pass captures, fail cancels. A tie passes. Per-hold failures are logged and reported
// in the result; the challenge status is written only after every hold was attempted.
func (e *Engine) FinalizeSelfChallenge(ctx context.Context, callerID, challengeID string) (res *BatchResult, err error) {
	started := time.Now()
	defer func() {
		observability.ObserveSettlement(opFinalize, batchOutcome(res, err), started)
	}()

	c, err := e.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if err := engine.Require(ctx, e.authz, engine.ActionFinalize, callerID, c); err != nil {
		return nil, err
	}
	if err := checkDecidable(c, domain.TypeSelf); err != nil {
		return nil, err
	}

	unlock, err := e.acquire(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	defer release(unlock, challengeID)

	if c, err = e.load(ctx, challengeID); err != nil {
		return nil, err
	}
	if err := checkDecidable(c, domain.TypeSelf); err != nil {
		return nil, err
	}

	votes, err := e.votes.ListByChallenge(ctx, challengeID)
	if err != nil {
		log.Printf("settlement: list votes challenge=%s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to read votes")
	}
	passCount, failCount := votedomain.Tally(votes)
	outcome := votedomain.Outcome(passCount, failCount)

	held, err := e.ledger.Held(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	res = &BatchResult{
		ChallengeID: challengeID,
		Outcome:     outcome,
		PassCount:   passCount,
		FailCount:   failCount,
	}
	e.settleAll(ctx, res, held, outcome == votedomain.Pass)

	updated, err := e.finish(ctx, c, outcome == votedomain.Pass)
	if err != nil {
		return nil, err
	}
	e.notifier.Changed(ctx, updated, notify.Change{
		Event:  telemetry.EventChallengeSettled,
		UserID: callerID,
		Amount: updated.PotAmount,
		Source: "settlement",
		Metadata: map[string]string{
			"operation": opFinalize,
			"outcome":   string(outcome),
			"processed": fmt.Sprint(res.Processed),
			"failed":    fmt.Sprint(len(res.Failed())),
		},
	})
	return res, nil
}

// Reconcile applies a decided challenge's outcome to every entry still held: completed captures,
// failed cancels. It is the retry path after a partial finalize or a ledger failure and is safe to repeat.
// Only the challenger may reconcile.
func (e *Engine) Reconcile(ctx context.Context, callerID, challengeID string) (*BatchResult, error) {
	c, err := e.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if err := engine.Require(ctx, e.authz, engine.ActionReconcile, callerID, c); err != nil {
		return nil, err
	}
	return e.reconcile(ctx, callerID, challengeID)
}

// ReconcileAsOperator runs Reconcile without a caller check. Used by the operator CLI.
func (e *Engine) ReconcileAsOperator(ctx context.Context, challengeID string) (*BatchResult, error) {
	return e.reconcile(ctx, "", challengeID)
}

func (e *Engine) reconcile(ctx context.Context, callerID, challengeID string) (res *BatchResult, err error) {
	started := time.Now()
	defer func() {
		observability.ObserveSettlement(opReconcile, batchOutcome(res, err), started)
	}()

	unlock, err := e.acquire(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	defer release(unlock, challengeID)

	c, err := e.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.Status.IsTerminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "challenge is %s; only decided challenges can be reconciled", c.Status)
	}
	pass := c.Status == domain.StatusCompleted
	res = &BatchResult{ChallengeID: challengeID, Outcome: votedomain.Fail}
	if pass {
		res.Outcome = votedomain.Pass
	}
	if c.Type == domain.TypeSelf {
		votes, err := e.votes.ListByChallenge(ctx, challengeID)
		if err != nil {
			log.Printf("settlement: list votes challenge=%s: %v", challengeID, err)
			return nil, status.Error(codes.Internal, "failed to read votes")
		}
		res.PassCount, res.FailCount = votedomain.Tally(votes)
	}
	held, err := e.ledger.Held(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	e.settleAll(ctx, res, held, pass)
	if res.Processed > 0 {
		e.notifier.Changed(ctx, c, notify.Change{
			Event:  telemetry.EventSettlementReconciled,
			UserID: callerID,
			Source: "settlement",
			Metadata: map[string]string{
				"processed": fmt.Sprint(res.Processed),
				"failed":    fmt.Sprint(len(res.Failed())),
			},
		})
	}
	return res, nil
}

// settleAll attempts every entry in order. It never stops early.
func (e *Engine) settleAll(ctx context.Context, res *BatchResult, held []*ledgerdomain.Transaction, pass bool) {
	res.Results = make([]Result, 0, len(held))
	for _, tx := range held {
		r := Result{TransactionID: tx.ID, IntentID: tx.EscrowIntentID, Amount: tx.Amount}
		res.Processed++
		if _, err := e.settleHold(ctx, pass, tx.EscrowIntentID); err != nil {
			log.Printf("settlement: challenge=%s tx=%s intent=%s: %s failed: %v", res.ChallengeID, tx.ID, tx.EscrowIntentID, holdAction(pass), err)
			observability.ObserveTransaction(holdAction(pass), "gateway_error")
			r.ErrorKind, r.Error = ErrorGateway, err.Error()
			res.Results = append(res.Results, r)
			continue
		}
		if _, err := e.mark(ctx, pass, tx.ID); err != nil {
			log.Printf("settlement: challenge=%s tx=%s: hold %s but ledger not marked: %v", res.ChallengeID, tx.ID, pastTense(pass), err)
			observability.ObserveTransaction(holdAction(pass), "ledger_error")
			r.ErrorKind, r.Error = ErrorLedger, status.Convert(err).Message()
			res.Results = append(res.Results, r)
			continue
		}
		observability.ObserveTransaction(holdAction(pass), "ok")
		r.Settled = true
		res.Results = append(res.Results, r)
	}
}

// settleHold captures (pass) or cancels the hold. The gateway treats a repeat as success.
func (e *Engine) settleHold(ctx context.Context, pass bool, intentID string) (*escrow.Hold, error) {
	var (
		h   *escrow.Hold
		err error
	)
	if pass {
		h, err = e.gateway.Capture(ctx, intentID)
	} else {
		h, err = e.gateway.Cancel(ctx, intentID)
	}
	observability.ObserveGateway(holdAction(pass), err)
	return h, err
}

func (e *Engine) mark(ctx context.Context, pass bool, txID string) (bool, error) {
	if pass {
		return e.ledger.MarkReleased(ctx, txID)
	}
	return e.ledger.MarkRefunded(ctx, txID)
}

// finish writes the terminal status with a compare-and-swap from awaiting_verification.
func (e *Engine) finish(ctx context.Context, c *domain.Challenge, pass bool) (*domain.Challenge, error) {
	to := domain.StatusFailed
	if pass {
		to = domain.StatusCompleted
	}
	updated, err := e.challenges.TransitionStatus(ctx, c.ID, domain.StatusAwaitingVerification, to, challengerepo.Patch{})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, challengerepo.ErrStatusConflict):
		return nil, status.Error(codes.FailedPrecondition, "challenge status changed during settlement")
	case errors.Is(err, challengerepo.ErrNotFound):
		return nil, status.Error(codes.NotFound, "challenge not found")
	}
	log.Printf("settlement: transition challenge=%s to %s: %v", c.ID, to, err)
	return nil, status.Error(codes.Internal, "failed to update challenge status")
}

func (e *Engine) load(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	if challengeID == "" {
		return nil, status.Error(codes.InvalidArgument, "challenge id is required")
	}
	c, err := e.challenges.GetByID(ctx, challengeID)
	if err != nil {
		log.Printf("settlement: get challenge=%s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to read challenge")
	}
	if c == nil {
		return nil, status.Error(codes.NotFound, "challenge not found")
	}
	return c, nil
}

func (e *Engine) acquire(ctx context.Context, challengeID string) (lock.Unlock, error) {
	unlock, err := e.locker.TryLock(ctx, "settlement:"+challengeID, e.lockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, status.Error(codes.FailedPrecondition, "settlement already in progress for this challenge")
	}
	if err != nil {
		log.Printf("settlement: lock challenge=%s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to acquire settlement lock")
	}
	return unlock, nil
}

func release(unlock lock.Unlock, challengeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlock(ctx); err != nil {
		log.Printf("settlement: unlock challenge=%s: %v", challengeID, err)
	}
}

func checkDecidable(c *domain.Challenge, want domain.Type) error {
	if c.Type != want {
		return status.Errorf(codes.FailedPrecondition, "operation applies to %s challenges", want)
	}
	if c.Status != domain.StatusAwaitingVerification {
		return status.Errorf(codes.FailedPrecondition, "challenge is %s, not %s", c.Status, domain.StatusAwaitingVerification)
	}
	return nil
}

func holdAction(pass bool) string {
	if pass {
		return "capture"
	}
	return "cancel"
}

func pastTense(pass bool) string {
	if pass {
		return "captured"
	}
	return "canceled"
}

func outcomeFor(op string) string {
	if op == opApprove {
		return string(votedomain.Pass)
	}
	return string(votedomain.Fail)
}

func batchOutcome(res *BatchResult, err error) string {
	switch {
	case err != nil || res == nil:
		return "error"
	case !res.Complete():
		return "partial"
	}
	return string(res.Outcome)
}
