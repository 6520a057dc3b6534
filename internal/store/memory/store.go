// Package memory is an in-process implementation of every repository in the module.
// It honours the same contract as the Postgres repositories: atomic pot increments,
// supporter set-union, and compare-and-swap status writes. Used in development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	auditdomain "commitment-escrow/backend/internal/audit/domain"
	challengedomain "commitment-escrow/backend/internal/challenge/domain"
	challengerepo "commitment-escrow/backend/internal/challenge/repository"
	ledgerdomain "commitment-escrow/backend/internal/ledger/domain"
	ledgerrepo "commitment-escrow/backend/internal/ledger/repository"
	progressdomain "commitment-escrow/backend/internal/progress/domain"
	votedomain "commitment-escrow/backend/internal/vote/domain"
)

// Store holds all records behind a single mutex so multi-record writes are atomic.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	challenges map[string]*challengedomain.Challenge
	txs        map[string]*ledgerdomain.Transaction
	txOrder    []string
	intents    map[string]string
	votes      map[string]map[string]*votedomain.Vote
	reports    map[string][]*progressdomain.Report
	audit      []*auditdomain.AuditLog
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		challenges: make(map[string]*challengedomain.Challenge),
		txs:        make(map[string]*ledgerdomain.Transaction),
		intents:    make(map[string]string),
		votes:      make(map[string]map[string]*votedomain.Vote),
		reports:    make(map[string][]*progressdomain.Report),
	}
}

// Challenges returns the challenge repository view.
func (s *Store) Challenges() *ChallengeRepository { return &ChallengeRepository{s: s} }

// Ledger returns the ledger repository view.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// Votes returns the vote repository view.
func (s *Store) Votes() *VoteRepository { return &VoteRepository{s: s} }

// Progress returns the progress report repository view.
func (s *Store) Progress() *ProgressRepository { return &ProgressRepository{s: s} }

// Audit returns the audit log repository view.
func (s *Store) Audit() *AuditRepository { return &AuditRepository{s: s} }

func copyChallenge(c *challengedomain.Challenge) *challengedomain.Challenge {
	cp := *c
	cp.SupporterIDs = append([]string{}, c.SupporterIDs...)
	return &cp
}

func copyTx(t *ledgerdomain.Transaction) *ledgerdomain.Transaction {
	cp := *t
	return &cp
}

// ChallengeRepository implements the challenge repository over a Store.
type ChallengeRepository struct{ s *Store }

func (r *ChallengeRepository) GetByID(_ context.Context, id string) (*challengedomain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.challenges[id]
	if !ok {
		return nil, nil
	}
	return copyChallenge(c), nil
}

func (r *ChallengeRepository) ListByUser(_ context.Context, userID string) ([]*challengedomain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*challengedomain.Challenge
	for _, c := range r.s.challenges {
		if c.IsParticipant(userID) {
			out = append(out, copyChallenge(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *ChallengeRepository) Create(_ context.Context, c *challengedomain.Challenge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.challenges[c.ID]; ok {
		return fmt.Errorf("%w: %s", challengerepo.ErrDuplicate, c.ID)
	}
	r.s.challenges[c.ID] = copyChallenge(c)
	return nil
}

func (r *ChallengeRepository) CreateWithStake(_ context.Context, c *challengedomain.Challenge, t *ledgerdomain.Transaction) error {
	if t == nil || t.ChallengeID != c.ID || t.Amount != c.PotAmount || t.Status != ledgerdomain.StatusHeld {
		return fmt.Errorf("challenge %s: stake does not match pot", c.ID)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.challenges[c.ID]; ok {
		return fmt.Errorf("%w: %s", challengerepo.ErrDuplicate, c.ID)
	}
	if _, ok := r.s.intents[t.EscrowIntentID]; ok {
		return fmt.Errorf("%w: %s", challengerepo.ErrDuplicate, t.EscrowIntentID)
	}
	if _, ok := r.s.txs[t.ID]; ok {
		return fmt.Errorf("%w: %s", challengerepo.ErrDuplicate, t.ID)
	}
	r.s.challenges[c.ID] = copyChallenge(c)
	r.s.putTx(t)
	return nil
}

func (r *ChallengeRepository) TransitionStatus(_ context.Context, id string, from, to challengedomain.Status, patch challengerepo.Patch) (*challengedomain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.challenges[id]
	if !ok {
		return nil, challengerepo.ErrNotFound
	}
	if c.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", challengerepo.ErrStatusConflict, id, c.Status, from)
	}
	c.Status = to
	if patch.ProofURL != "" {
		c.ProofURL = patch.ProofURL
	}
	c.UpdatedAt = r.s.now()
	return copyChallenge(c), nil
}

func (s *Store) putTx(t *ledgerdomain.Transaction) {
	s.txs[t.ID] = copyTx(t)
	s.txOrder = append(s.txOrder, t.ID)
	s.intents[t.EscrowIntentID] = t.ID
}

// LedgerRepository implements the ledger repository over a Store.
type LedgerRepository struct{ s *Store }

func (r *LedgerRepository) RecordHeld(_ context.Context, t *ledgerdomain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.challenges[t.ChallengeID]
	if !ok {
		return fmt.Errorf("%w: %s", ledgerrepo.ErrChallengeNotFound, t.ChallengeID)
	}
	if !c.AcceptsStakes() {
		return fmt.Errorf("%w: %s challenge is %s", ledgerrepo.ErrNotFundable, c.Type, c.Status)
	}
	if _, ok := r.s.intents[t.EscrowIntentID]; ok {
		return fmt.Errorf("%w: %s", ledgerrepo.ErrDuplicateIntent, t.EscrowIntentID)
	}
	if _, ok := r.s.txs[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ledgerrepo.ErrDuplicateIntent, t.ID)
	}
	held := copyTx(t)
	held.Status = ledgerdomain.StatusHeld
	r.s.putTx(held)
	c.PotAmount += t.Amount
	if !slices.Contains(c.SupporterIDs, t.UserID) {
		c.SupporterIDs = append(c.SupporterIDs, t.UserID)
	}
	c.UpdatedAt = t.CreatedAt
	return nil
}

func (r *LedgerRepository) MarkReleased(_ context.Context, id string) (bool, error) {
	return r.settle(id, ledgerdomain.StatusReleased)
}

func (r *LedgerRepository) MarkRefunded(_ context.Context, id string) (bool, error) {
	return r.settle(id, ledgerdomain.StatusRefunded)
}

func (r *LedgerRepository) settle(id string, to ledgerdomain.Status) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ledgerrepo.ErrInvalidState, id)
	}
	if t.Status != ledgerdomain.StatusHeld {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = r.s.now()
	return true, nil
}

func (r *LedgerRepository) GetByID(_ context.Context, id string) (*ledgerdomain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[id]
	if !ok {
		return nil, nil
	}
	return copyTx(t), nil
}

func (r *LedgerRepository) GetByIntentID(ctx context.Context, intentID string) (*ledgerdomain.Transaction, error) {
	r.s.mu.Lock()
	id, ok := r.s.intents[intentID]
	r.s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

func (r *LedgerRepository) ListByChallenge(_ context.Context, challengeID string, status ledgerdomain.Status) ([]*ledgerdomain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*ledgerdomain.Transaction
	for _, id := range r.s.txOrder {
		t := r.s.txs[id]
		if t.ChallengeID != challengeID || (status != "" && t.Status != status) {
			continue
		}
		out = append(out, copyTx(t))
	}
	return out, nil
}

// VoteRepository implements the vote repository over a Store.
type VoteRepository struct{ s *Store }

func (r *VoteRepository) Upsert(_ context.Context, v *votedomain.Vote) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byVoter, ok := r.s.votes[v.ChallengeID]
	if !ok {
		byVoter = make(map[string]*votedomain.Vote)
		r.s.votes[v.ChallengeID] = byVoter
	}
	cp := *v
	if prev, ok := byVoter[v.VoterID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	byVoter[v.VoterID] = &cp
	return nil
}

func (r *VoteRepository) ListByChallenge(_ context.Context, challengeID string) ([]*votedomain.Vote, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byVoter := r.s.votes[challengeID]
	out := make([]*votedomain.Vote, 0, len(byVoter))
	for _, v := range byVoter {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}

// ProgressRepository implements the progress report repository over a Store.
type ProgressRepository struct{ s *Store }

func (r *ProgressRepository) Create(_ context.Context, rep *progressdomain.Report) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *rep
	r.s.reports[rep.ChallengeID] = append(r.s.reports[rep.ChallengeID], &cp)
	return nil
}

func (r *ProgressRepository) ListByChallenge(_ context.Context, challengeID string, limit int32) ([]*progressdomain.Report, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list := r.s.reports[challengeID]
	out := make([]*progressdomain.Report, 0, len(list))
	for i := len(list) - 1; i >= 0 && (limit <= 0 || int32(len(out)) < limit); i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

// AuditRepository implements the audit log repository over a Store.
type AuditRepository struct{ s *Store }

func (r *AuditRepository) GetByID(_ context.Context, id string) (*auditdomain.AuditLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.audit {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *AuditRepository) ListByChallenge(_ context.Context, challengeID string, limit, offset int32) ([]*auditdomain.AuditLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []*auditdomain.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		if r.s.audit[i].ChallengeID == challengeID {
			matched = append(matched, r.s.audit[i])
		}
	}
	if int(offset) >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && int(limit) < len(matched) {
		matched = matched[:limit]
	}
	out := make([]*auditdomain.AuditLog, len(matched))
	for i, a := range matched {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (r *AuditRepository) Create(_ context.Context, a *auditdomain.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *a
	r.s.audit = append(r.s.audit, &cp)
	return nil
}
