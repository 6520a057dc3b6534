// Package service implements the caller-facing challenge operations: creating and funding
// challenges, accepting them, submitting proof, voting, and progress reports.
// Errors it returns are gRPC status errors.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commitment-escrow/backend/internal/challenge/domain"
	"commitment-escrow/backend/internal/challenge/notify"
	challengerepo "commitment-escrow/backend/internal/challenge/repository"
	"commitment-escrow/backend/internal/escrow"
	"commitment-escrow/backend/internal/ledger"
	ledgerdomain "commitment-escrow/backend/internal/ledger/domain"
	"commitment-escrow/backend/internal/observability"
	"commitment-escrow/backend/internal/policy/engine"
	progressdomain "commitment-escrow/backend/internal/progress/domain"
	progressrepo "commitment-escrow/backend/internal/progress/repository"
	"commitment-escrow/backend/internal/proof"
	"commitment-escrow/backend/internal/telemetry"
	votedomain "commitment-escrow/backend/internal/vote/domain"
	voterepo "commitment-escrow/backend/internal/vote/repository"
)

// MetadataUserID is the hold metadata key naming the user who authorized it.
const MetadataUserID = "user_id"

// Deps holds the service's collaborators. Proofs defaults to proof.URLVerifier; Notifier may be nil.
type Deps struct {
	Challenges challengerepo.Repository
	Votes      voterepo.Repository
	Progress   progressrepo.Repository
	Ledger     *ledger.Ledger
	Gateway    escrow.Gateway
	Authz      engine.Authorizer
	Proofs     proof.Verifier
	Notifier   *notify.Notifier
	// Currency is used when a request names none.
	Currency string
}

// Service implements challenge operations.
type Service struct {
	challenges challengerepo.Repository
	votes      voterepo.Repository
	progress   progressrepo.Repository
	ledger     *ledger.Ledger
	gateway    escrow.Gateway
	authz      engine.Authorizer
	proofs     proof.Verifier
	notifier   *notify.Notifier
	currency   string
	now        func() time.Time
	newID      func() string
}

// New returns a Service.
func New(d Deps) *Service {
	proofs := d.Proofs
	if proofs == nil {
		proofs = proof.URLVerifier{}
	}
	currency := strings.ToLower(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	return &Service{
		challenges: d.Challenges,
		votes:      d.Votes,
		progress:   d.Progress,
		ledger:     d.Ledger,
		gateway:    d.Gateway,
		authz:      d.Authz,
		proofs:     proofs,
		notifier:   d.Notifier,
		currency:   currency,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// HoldRequest asks for a new manual-capture hold.
type HoldRequest struct {
	Amount   int64
	Currency string
	// PaymentMethod confirms the hold server-side; empty leaves it for the client to confirm.
	PaymentMethod  string
	IdempotencyKey string
	Metadata       map[string]string
}

// AuthorizeHold creates a manual-capture hold for callerID. The hold's metadata always names the caller.
func (s *Service) AuthorizeHold(ctx context.Context, callerID string, req HoldRequest) (*escrow.Hold, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, status.Error(codes.InvalidArgument, "amount must be a positive integer in minor units")
	}
	currency, err := s.resolveCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[MetadataUserID] = callerID
	h, err := s.gateway.Authorize(ctx, escrow.AuthorizeRequest{
		Amount:         req.Amount,
		Currency:       currency,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       meta,
	})
	observability.ObserveGateway("authorize", err)
	if err != nil {
		log.Printf("challenge: authorize hold for %s: %v", callerID, err)
		return nil, status.Errorf(codes.Internal, "escrow authorization failed: %v", err)
	}
	return h, nil
}

// FriendFunding is the input of FundFriendChallenge. Exactly one of PaymentMethod (server-side
// confirmation) and IntentID (a hold the client already confirmed) must be set.
type FriendFunding struct {
	Draft          domain.Draft
	Amount         int64
	PaymentMethod  string
	IntentID       string
	IdempotencyKey string
}

// FundFriendChallenge secures the stake first and only then writes the challenge (pending) with its
// held entry in one unit. If the hold is not authorized for exactly the stake, a hold created here is
// cancelled and the call fails FailedPrecondition.
func (s *Service) FundFriendChallenge(ctx context.Context, callerID string, in FriendFunding) (*domain.Challenge, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	now := s.now()
	if err := domain.ValidateFriend(callerID, in.Draft, in.Amount, now); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if (in.PaymentMethod == "") == (in.IntentID == "") {
		return nil, status.Error(codes.InvalidArgument, "exactly one of paymentMethod and escrowIntentId is required")
	}
	currency, err := s.resolveCurrency(in.Draft.Currency)
	if err != nil {
		return nil, err
	}
	in.Draft.Currency = currency
	challengeID := s.newID()

	var (
		h       *escrow.Hold
		created bool
	)
	if in.PaymentMethod != "" {
		key := in.IdempotencyKey
		if key == "" {
			key = "friend-" + challengeID
		}
		h, err = s.gateway.Authorize(ctx, escrow.AuthorizeRequest{
			Amount:         in.Amount,
			Currency:       currency,
			PaymentMethod:  in.PaymentMethod,
			IdempotencyKey: key,
			Metadata: map[string]string{
				MetadataUserID:  callerID,
				"challenge_id":  challengeID,
				"challengee_id": strings.TrimSpace(in.Draft.ChallengeeID),
				"type":          string(domain.TypeFriend),
			},
		})
		observability.ObserveGateway("authorize", err)
		if err != nil {
			log.Printf("challenge: authorize friend stake for %s: %v", callerID, err)
			return nil, status.Errorf(codes.Internal, "escrow authorization failed: %v", err)
		}
		created = true
	} else {
		if h, err = s.lookupHold(ctx, callerID, in.IntentID); err != nil {
			return nil, err
		}
	}

	if err := escrow.VerifyAuthorized(h, in.Amount, currency); err != nil {
		if h != nil && (created || h.Status == escrow.HoldAuthorized) {
			s.cancelHold(ctx, h.IntentID)
		}
		return nil, status.Errorf(codes.FailedPrecondition, "stake is not secured: %v", err)
	}

	c, err := domain.NewFriendChallenge(challengeID, callerID, in.Draft, in.Amount, h.IntentID, now)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tx, err := ledgerdomain.NewHeld(s.newID(), c.ID, callerID, in.Amount, h.IntentID, now)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.challenges.CreateWithStake(ctx, c, tx); err != nil {
		if errors.Is(err, challengerepo.ErrDuplicate) {
			// The hold already backs another record; it must not be cancelled.
			return nil, status.Error(codes.FailedPrecondition, "escrow hold has already been used")
		}
		log.Printf("challenge: create friend challenge %s: %v", c.ID, err)
		if created {
			s.cancelHold(ctx, h.IntentID)
		}
		return nil, status.Error(codes.Internal, "failed to create challenge")
	}
	observability.AddHeld(in.Amount)
	s.notifier.Changed(ctx, c, notify.Change{
		Event:    telemetry.EventChallengeCreated,
		UserID:   callerID,
		Amount:   in.Amount,
		Source:   "funding",
		Metadata: map[string]string{"type": string(c.Type), "escrow_intent_id": h.IntentID},
	})
	return c, nil
}

// CreateSelfChallenge creates an active self challenge with an empty pot.
func (s *Service) CreateSelfChallenge(ctx context.Context, callerID string, d domain.Draft) (*domain.Challenge, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	currency, err := s.resolveCurrency(d.Currency)
	if err != nil {
		return nil, err
	}
	d.Currency = currency
	c, err := domain.NewSelfChallenge(s.newID(), callerID, d, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.challenges.Create(ctx, c); err != nil {
		log.Printf("challenge: create self challenge %s: %v", c.ID, err)
		return nil, status.Error(codes.Internal, "failed to create challenge")
	}
	s.notifier.Changed(ctx, c, notify.Change{
		Event:    telemetry.EventChallengeCreated,
		UserID:   callerID,
		Source:   "funding",
		Metadata: map[string]string{"type": string(c.Type)},
	})
	return c, nil
}

// FundSelfChallenge records an authorized hold as a stake on an active self challenge and makes
// the caller a supporter. The hold must be authorized for exactly amount.
func (s *Service) FundSelfChallenge(ctx context.Context, callerID, challengeID string, amount int64, intentID string) (string, error) {
	if amount <= 0 {
		return "", status.Error(codes.InvalidArgument, "amount must be a positive integer in minor units")
	}
	if strings.TrimSpace(intentID) == "" {
		return "", status.Error(codes.InvalidArgument, "escrowIntentId is required")
	}
	c, err := s.authorized(ctx, engine.ActionFund, callerID, challengeID)
	if err != nil {
		return "", err
	}
	if !c.AcceptsStakes() {
		return "", status.Errorf(codes.FailedPrecondition, "%s challenge in status %s is not accepting stakes", c.Type, c.Status)
	}
	h, err := s.lookupHold(ctx, callerID, intentID)
	if err != nil {
		return "", err
	}
	if err := escrow.VerifyAuthorized(h, amount, c.Currency); err != nil {
		return "", status.Errorf(codes.FailedPrecondition, "stake is not secured: %v", err)
	}
	txID, err := s.ledger.RecordHeld(ctx, challengeID, callerID, amount, h.IntentID)
	if err != nil {
		return "", err
	}
	observability.AddHeld(amount)
	if updated, err := s.challenges.GetByID(ctx, challengeID); err == nil && updated != nil {
		s.notifier.Changed(ctx, updated, notify.Change{
			Event:    telemetry.EventStakeFunded,
			UserID:   callerID,
			Amount:   amount,
			Source:   "funding",
			Metadata: map[string]string{"transaction_id": txID, "escrow_intent_id": h.IntentID},
		})
	}
	return txID, nil
}

// AcceptChallenge moves a pending friend challenge to active. Only the challengee may accept.
func (s *Service) AcceptChallenge(ctx context.Context, callerID, challengeID string) (*domain.Challenge, error) {
	c, err := s.authorized(ctx, engine.ActionAccept, callerID, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Type != domain.TypeFriend {
		return nil, status.Error(codes.FailedPrecondition, "only friend challenges are accepted")
	}
	updated, err := s.transition(ctx, c, domain.StatusActive, challengerepo.Patch{})
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(ctx, updated, notify.Change{Event: telemetry.EventChallengeAccepted, UserID: callerID, Source: "challenge"})
	return updated, nil
}

// SubmitProof records the proof reference and moves an active challenge to awaiting_verification.
// Friend challenges take proof from the challengee, self challenges from the challenger.
func (s *Service) SubmitProof(ctx context.Context, callerID, challengeID, ref string) (*domain.Challenge, error) {
	c, err := s.authorized(ctx, engine.ActionSubmitProof, callerID, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.StatusActive {
		return nil, status.Errorf(codes.FailedPrecondition, "challenge is %s; proof can only be submitted while active", c.Status)
	}
	proofURL, err := s.verifyRef(ctx, proof.FolderProofs, challengeID, ref)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, c, domain.StatusAwaitingVerification, challengerepo.Patch{ProofURL: proofURL})
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(ctx, updated, notify.Change{
		Event:    telemetry.EventProofSubmitted,
		UserID:   callerID,
		Source:   "challenge",
		Metadata: map[string]string{"proof_url": proofURL},
	})
	return updated, nil
}

// Vote records or replaces voterID's vote on a self challenge that is not yet decided.
func (s *Service) Vote(ctx context.Context, voterID, challengeID, value string) (*votedomain.Vote, error) {
	v, err := votedomain.ParseValue(value)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	c, err := s.authorized(ctx, engine.ActionVote, voterID, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Type != domain.TypeSelf {
		return nil, status.Error(codes.FailedPrecondition, "only self challenges are decided by vote")
	}
	if c.Status.IsTerminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "challenge is already %s", c.Status)
	}
	now := s.now()
	vote := &votedomain.Vote{ChallengeID: challengeID, VoterID: voterID, Value: v, CreatedAt: now, UpdatedAt: now}
	if err := s.votes.Upsert(ctx, vote); err != nil {
		log.Printf("challenge: vote challenge=%s voter=%s: %v", challengeID, voterID, err)
		return nil, status.Error(codes.Internal, "failed to record vote")
	}
	s.notifier.Changed(ctx, c, notify.Change{
		Event:    telemetry.EventVoteCast,
		UserID:   voterID,
		Source:   "challenge",
		Metadata: map[string]string{"value": string(v)},
	})
	return vote, nil
}

// View is a challenge with its ledger totals.
type View struct {
	Challenge *domain.Challenge
	Ledger    ledgerdomain.Summary
}

// GetChallenge returns the challenge and its ledger summary.
func (s *Service) GetChallenge(ctx context.Context, callerID, challengeID string) (*View, error) {
	c, err := s.authorized(ctx, engine.ActionView, callerID, challengeID)
	if err != nil {
		return nil, err
	}
	sum, err := s.ledger.Summarize(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	return &View{Challenge: c, Ledger: sum}, nil
}

// ListChallenges returns the challenges the caller created, was challenged in, or supports.
func (s *Service) ListChallenges(ctx context.Context, callerID string) ([]*domain.Challenge, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	list, err := s.challenges.ListByUser(ctx, callerID)
	if err != nil {
		log.Printf("challenge: list for %s: %v", callerID, err)
		return nil, status.Error(codes.Internal, "failed to list challenges")
	}
	return list, nil
}

// LedgerSummary returns the held, released and refunded totals of a challenge.
func (s *Service) LedgerSummary(ctx context.Context, callerID, challengeID string) (ledgerdomain.Summary, error) {
	if _, err := s.authorized(ctx, engine.ActionView, callerID, challengeID); err != nil {
		return ledgerdomain.Summary{ChallengeID: challengeID}, err
	}
	return s.ledger.Summarize(ctx, challengeID)
}

// ProgressInput is a progress update. At least one field must be set; MediaURL is checked like a proof.
type ProgressInput struct {
	Text        string
	MediaURL    string
	ExternalURL string
}

// AddProgressReport stores a participant's progress update on an undecided challenge.
func (s *Service) AddProgressReport(ctx context.Context, callerID, challengeID string, in ProgressInput) (*progressdomain.Report, error) {
	c, err := s.authorized(ctx, engine.ActionReportProgress, callerID, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "challenge is already %s", c.Status)
	}
	media := strings.TrimSpace(in.MediaURL)
	if media != "" {
		if media, err = s.verifyRef(ctx, proof.FolderProgress, challengeID, media); err != nil {
			return nil, err
		}
	}
	r, err := progressdomain.NewReport(s.newID(), challengeID, callerID, in.Text, media, in.ExternalURL, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.progress.Create(ctx, r); err != nil {
		log.Printf("challenge: add progress challenge=%s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to store progress report")
	}
	s.notifier.Changed(ctx, c, notify.Change{
		Event:    telemetry.EventProgressReported,
		UserID:   callerID,
		Source:   "challenge",
		Metadata: map[string]string{"kind": string(r.Kind)},
	})
	return r, nil
}

// ListProgressReports returns reports newest first. limit <= 0 returns all.
func (s *Service) ListProgressReports(ctx context.Context, callerID, challengeID string, limit int32) ([]*progressdomain.Report, error) {
	if _, err := s.authorized(ctx, engine.ActionView, callerID, challengeID); err != nil {
		return nil, err
	}
	reports, err := s.progress.ListByChallenge(ctx, challengeID, limit)
	if err != nil {
		log.Printf("challenge: list progress challenge=%s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to list progress reports")
	}
	return reports, nil
}

// authorized loads the challenge and checks the caller may perform action on it.
func (s *Service) authorized(ctx context.Context, action engine.Action, callerID, challengeID string) (*domain.Challenge, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(challengeID) == "" {
		return nil, status.Error(codes.InvalidArgument, "challenge id is required")
	}
	c, err := s.challenges.GetByID(ctx, challengeID)
	if err != nil {
		log.Printf("challenge: get %s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to read challenge")
	}
	if c == nil {
		return nil, status.Error(codes.NotFound, "challenge not found")
	}
	if err := engine.Require(ctx, s.authz, action, callerID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// transition checks the state machine and writes the new status with a compare-and-swap.
func (s *Service) transition(ctx context.Context, c *domain.Challenge, to domain.Status, patch challengerepo.Patch) (*domain.Challenge, error) {
	if err := domain.CheckTransition(c.Status, to); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	updated, err := s.challenges.TransitionStatus(ctx, c.ID, c.Status, to, patch)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, challengerepo.ErrStatusConflict):
		return nil, status.Error(codes.FailedPrecondition, "challenge status changed concurrently; reload and retry")
	case errors.Is(err, challengerepo.ErrNotFound):
		return nil, status.Error(codes.NotFound, "challenge not found")
	}
	log.Printf("challenge: transition %s %s -> %s: %v", c.ID, c.Status, to, err)
	return nil, status.Error(codes.Internal, "failed to update challenge")
}

// lookupHold reads a hold and checks it was authorized by callerID and not recorded before.
func (s *Service) lookupHold(ctx context.Context, callerID, intentID string) (*escrow.Hold, error) {
	intentID = strings.TrimSpace(intentID)
	h, err := s.gateway.Lookup(ctx, intentID)
	observability.ObserveGateway("lookup", err)
	if errors.Is(err, escrow.ErrHoldNotFound) {
		return nil, status.Error(codes.FailedPrecondition, "escrow hold not found")
	}
	if err != nil {
		log.Printf("challenge: lookup hold %s: %v", intentID, err)
		return nil, status.Errorf(codes.Internal, "escrow lookup failed: %v", err)
	}
	if owner := h.Metadata[MetadataUserID]; owner != "" && owner != callerID {
		return nil, status.Error(codes.PermissionDenied, "escrow hold belongs to another user")
	}
	existing, err := s.ledger.ByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, status.Error(codes.FailedPrecondition, "escrow hold has already been used")
	}
	return h, nil
}

func (s *Service) cancelHold(ctx context.Context, intentID string) {
	_, err := s.gateway.Cancel(ctx, intentID)
	observability.ObserveGateway("cancel", err)
	if err != nil {
		log.Printf("challenge: cancel unused hold %s: %v", intentID, err)
		return
	}
	s.notifier.Emit(telemetry.NewEvent(telemetry.EventHoldCanceled, "", "").With("escrow_intent_id", intentID))
}

func (s *Service) verifyRef(ctx context.Context, folder proof.Folder, challengeID, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", status.Error(codes.InvalidArgument, "a proof reference is required")
	}
	out, err := s.proofs.Verify(ctx, folder, challengeID, ref)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, proof.ErrInvalidRef):
		return "", status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, proof.ErrMissing):
		return "", status.Error(codes.FailedPrecondition, err.Error())
	}
	log.Printf("challenge: verify %s for %s: %v", folder, challengeID, err)
	return "", status.Error(codes.Internal, "failed to verify upload")
}

func (s *Service) resolveCurrency(c string) (string, error) {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return s.currency, nil
	}
	if len(c) != 3 {
		return "", status.Error(codes.InvalidArgument, fmt.Sprintf("currency %q is not a three-letter ISO code", c))
	}
	return c, nil
}

func requireCaller(callerID string) error {
	if strings.TrimSpace(callerID) == "" {
		return status.Error(codes.Unauthenticated, "caller is not authenticated")
	}
	return nil
}
