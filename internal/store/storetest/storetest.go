// Package storetest is a conformance suite every repository implementation must pass.
package storetest

import (
	"errors"
	"sync"
	"testing"
	"time"

	auditdomain "commitment-escrow/backend/internal/audit/domain"
	auditrepo "commitment-escrow/backend/internal/audit/repository"
	challengedomain "commitment-escrow/backend/internal/challenge/domain"
	challengerepo "commitment-escrow/backend/internal/challenge/repository"
	ledgerdomain "commitment-escrow/backend/internal/ledger/domain"
	ledgerrepo "commitment-escrow/backend/internal/ledger/repository"
	progressdomain "commitment-escrow/backend/internal/progress/domain"
	progressrepo "commitment-escrow/backend/internal/progress/repository"
	votedomain "commitment-escrow/backend/internal/vote/domain"
	voterepo "commitment-escrow/backend/internal/vote/repository"

	"github.com/google/uuid"
)

// Repos bundles one implementation of each repository, all backed by the same store.
type Repos struct {
	Challenges challengerepo.Repository
	Ledger     ledgerrepo.Repository
	Votes      voterepo.Repository
	Progress   progressrepo.Repository
	Audit      auditrepo.Repository
}

func newID() string { return uuid.NewString() }

func selfChallenge(t *testing.T, r Repos, challengerID string) *challengedomain.Challenge {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c, err := challengedomain.NewSelfChallenge(newID(), challengerID,
		challengedomain.Draft{Description: "read 10 books", Deadline: now.Add(72 * time.Hour)}, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Challenges.Create(t.Context(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func stake(t *testing.T, r Repos, challengeID, userID string, amount int64) *ledgerdomain.Transaction {
	t.Helper()
	tx, err := ledgerdomain.NewHeld(newID(), challengeID, userID, amount, "pi_"+newID(), time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Ledger.RecordHeld(t.Context(), tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

// Common runs the conformance suite against r.
func Common(t *testing.T, r Repos) {
	for _, tt := range []struct {
		name string
		doer func(t *testing.T, r Repos) error
	}{
		{
			name: "challenge get missing returns nil",
			doer: func(t *testing.T, r Repos) error {
				c, err := r.Challenges.GetByID(t.Context(), newID())
				if err != nil {
					return err
				}
				if c != nil {
					t.Errorf("wanted nil challenge, got %+v", c)
				}
				return nil
			},
		},
		{
			name: "record held increments pot and unions supporters",
			doer: func(t *testing.T, r Repos) error {
				c := selfChallenge(t, r, "alice-"+newID())
				carol, dave := "carol-"+newID(), "dave-"+newID()
				stake(t, r, c.ID, carol, 2000)
				stake(t, r, c.ID, dave, 3000)
				stake(t, r, c.ID, carol, 500)

				got, err := r.Challenges.GetByID(t.Context(), c.ID)
				if err != nil {
					return err
				}
				if got.PotAmount != 5500 {
					t.Errorf("pot = %d, want 5500", got.PotAmount)
				}
				if len(got.SupporterIDs) != 2 {
					t.Errorf("supporters = %v, want 2 entries", got.SupporterIDs)
				}
				held, err := r.Ledger.ListByChallenge(t.Context(), c.ID, ledgerdomain.StatusHeld)
				if err != nil {
					return err
				}
				if len(held) != 3 {
					t.Errorf("held entries = %d, want 3", len(held))
				}
				return nil
			},
		},
		{
			name: "concurrent stakes lose no update",
			doer: func(t *testing.T, r Repos) error {
				c := selfChallenge(t, r, "alice-"+newID())
				const n = 20
				var wg sync.WaitGroup
				errs := make(chan error, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						tx, err := ledgerdomain.NewHeld(newID(), c.ID, "u-"+newID(), 100, "pi_"+newID(), time.Now().UTC())
						if err != nil {
							errs <- err
							return
						}
						errs <- r.Ledger.RecordHeld(t.Context(), tx)
					}()
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					if err != nil {
						return err
					}
				}
				got, err := r.Challenges.GetByID(t.Context(), c.ID)
				if err != nil {
					return err
				}
				if got.PotAmount != n*100 {
					t.Errorf("pot = %d, want %d", got.PotAmount, n*100)
				}
				return nil
			},
		},
		{
			name: "record held rejects missing, unfundable, and duplicate",
			doer: func(t *testing.T, r Repos) error {
				tx, _ := ledgerdomain.NewHeld(newID(), newID(), "u", 100, "pi_"+newID(), time.Now().UTC())
				if err := r.Ledger.RecordHeld(t.Context(), tx); !errors.Is(err, ledgerrepo.ErrChallengeNotFound) {
					t.Errorf("missing challenge err = %v", err)
				}

				c := selfChallenge(t, r, "alice-"+newID())
				first := stake(t, r, c.ID, "u1", 100)
				dup, _ := ledgerdomain.NewHeld(newID(), c.ID, "u2", 100, first.EscrowIntentID, time.Now().UTC())
				if err := r.Ledger.RecordHeld(t.Context(), dup); !errors.Is(err, ledgerrepo.ErrDuplicateIntent) {
					t.Errorf("duplicate intent err = %v", err)
				}

				if _, err := r.Challenges.TransitionStatus(t.Context(), c.ID, challengedomain.StatusActive,
					challengedomain.StatusAwaitingVerification, challengerepo.Patch{ProofURL: "https://proof"}); err != nil {
					return err
				}
				late, _ := ledgerdomain.NewHeld(newID(), c.ID, "u3", 100, "pi_"+newID(), time.Now().UTC())
				if err := r.Ledger.RecordHeld(t.Context(), late); !errors.Is(err, ledgerrepo.ErrNotFundable) {
					t.Errorf("late stake err = %v", err)
				}
				got, err := r.Challenges.GetByID(t.Context(), c.ID)
				if err != nil {
					return err
				}
				if got.PotAmount != 100 {
					t.Errorf("pot = %d, want 100 after rejected stakes", got.PotAmount)
				}
				return nil
			},
		},
		{
			name: "mark released and refunded are idempotent",
			doer: func(t *testing.T, r Repos) error {
				c := selfChallenge(t, r, "alice-"+newID())
				a := stake(t, r, c.ID, "u1", 100)
				b := stake(t, r, c.ID, "u2", 200)

				if changed, err := r.Ledger.MarkReleased(t.Context(), a.ID); err != nil || !changed {
					t.Errorf("first release = %v, %v", changed, err)
				}
				if changed, err := r.Ledger.MarkReleased(t.Context(), a.ID); err != nil || changed {
					t.Errorf("second release = %v, %v", changed, err)
				}
				if changed, err := r.Ledger.MarkRefunded(t.Context(), a.ID); err != nil || changed {
					t.Errorf("refund after release = %v, %v", changed, err)
				}
				if changed, err := r.Ledger.MarkRefunded(t.Context(), b.ID); err != nil || !changed {
					t.Errorf("first refund = %v, %v", changed, err)
				}

				gotA, _ := r.Ledger.GetByID(t.Context(), a.ID)
				gotB, _ := r.Ledger.GetByIntentID(t.Context(), b.EscrowIntentID)
				if gotA.Status != ledgerdomain.StatusReleased || gotB.Status != ledgerdomain.StatusRefunded {
					t.Errorf("statuses = %s, %s", gotA.Status, gotB.Status)
				}

				ch, _ := r.Challenges.GetByID(t.Context(), c.ID)
				if ch.PotAmount != 300 {
					t.Errorf("pot = %d, want 300 (refunds are not subtracted)", ch.PotAmount)
				}

				if _, err := r.Ledger.MarkReleased(t.Context(), newID()); !errors.Is(err, ledgerrepo.ErrInvalidState) {
					t.Errorf("missing entry err = %v", err)
				}
				return nil
			},
		},
		{
			name: "transition status is compare and swap",
			doer: func(t *testing.T, r Repos) error {
				c := selfChallenge(t, r, "alice-"+newID())
				got, err := r.Challenges.TransitionStatus(t.Context(), c.ID, challengedomain.StatusActive,
					challengedomain.StatusAwaitingVerification, challengerepo.Patch{ProofURL: "s3://proofs/x.jpg"})
				if err != nil {
					return err
				}
				if got.Status != challengedomain.StatusAwaitingVerification || got.ProofURL != "s3://proofs/x.jpg" {
					t.Errorf("unexpected challenge %+v", got)
				}
				if _, err := r.Challenges.TransitionStatus(t.Context(), c.ID, challengedomain.StatusActive,
					challengedomain.StatusAwaitingVerification, challengerepo.Patch{}); !errors.Is(err, challengerepo.ErrStatusConflict) {
					t.Errorf("stale transition err = %v", err)
				}
				if _, err := r.Challenges.TransitionStatus(t.Context(), newID(), challengedomain.StatusActive,
					challengedomain.StatusAwaitingVerification, challengerepo.Patch{}); !errors.Is(err, challengerepo.ErrNotFound) {
					t.Errorf("missing challenge err = %v", err)
				}
				after, _ := r.Challenges.GetByID(t.Context(), c.ID)
				if after.ProofURL != "s3://proofs/x.jpg" {
					t.Errorf("proof url overwritten: %q", after.ProofURL)
				}
				return nil
			},
		},
		{
			name: "create with stake writes challenge and entry together",
			doer: func(t *testing.T, r Repos) error {
				now := time.Now().UTC().Truncate(time.Microsecond)
				alice, bob := "alice-"+newID(), "bob-"+newID()
				intent := "pi_" + newID()
				c, err := challengedomain.NewFriendChallenge(newID(), alice,
					challengedomain.Draft{Description: "no sugar", Deadline: now.Add(time.Hour), ChallengeeID: bob}, 5000, intent, now)
				if err != nil {
					return err
				}
				tx, _ := ledgerdomain.NewHeld(newID(), c.ID, alice, 5000, intent, now)
				if err := r.Challenges.CreateWithStake(t.Context(), c, tx); err != nil {
					return err
				}
				got, _ := r.Challenges.GetByID(t.Context(), c.ID)
				if got.Status != challengedomain.StatusPending || got.PotAmount != 5000 || got.EscrowIntentID != intent {
					t.Errorf("unexpected challenge %+v", got)
				}
				entry, _ := r.Ledger.GetByIntentID(t.Context(), intent)
				if entry == nil || entry.Status != ledgerdomain.StatusHeld {
					t.Errorf("entry = %+v, want held", entry)
				}

				mine, err := r.Challenges.ListByUser(t.Context(), bob)
				if err != nil {
					return err
				}
				if len(mine) != 1 || mine[0].ID != c.ID {
					t.Errorf("challengee list = %v", mine)
				}

				again, _ := challengedomain.NewFriendChallenge(newID(), alice,
					challengedomain.Draft{Description: "again", Deadline: now.Add(time.Hour), ChallengeeID: bob}, 5000, intent, now)
				tx2, _ := ledgerdomain.NewHeld(newID(), again.ID, alice, 5000, intent, now)
				if err := r.Challenges.CreateWithStake(t.Context(), again, tx2); !errors.Is(err, challengerepo.ErrDuplicate) {
					t.Errorf("reused intent err = %v", err)
				}
				if missing, _ := r.Challenges.GetByID(t.Context(), again.ID); missing != nil {
					t.Error("challenge written despite failed stake")
				}
				return nil
			},
		},
		{
			name: "votes are last write wins",
			doer: func(t *testing.T, r Repos) error {
				c := selfChallenge(t, r, "alice-"+newID())
				now := time.Now().UTC()
				for _, v := range []votedomain.Value{votedomain.Pass, votedomain.Fail} {
					if err := r.Votes.Upsert(t.Context(), &votedomain.Vote{ChallengeID: c.ID, VoterID: "carol", Value: v, CreatedAt: now, UpdatedAt: now}); err != nil {
						return err
					}
				}
				if err := r.Votes.Upsert(t.Context(), &votedomain.Vote{ChallengeID: c.ID, VoterID: "dave", Value: votedomain.Pass, CreatedAt: now, UpdatedAt: now}); err != nil {
					return err
				}
				list, err := r.Votes.ListByChallenge(t.Context(), c.ID)
				if err != nil {
					return err
				}
				if len(list) != 2 {
					t.Fatalf("votes = %d, want 2", len(list))
				}
				pass, fail := votedomain.Tally(list)
				if pass != 1 || fail != 1 {
					t.Errorf("tally = %d/%d, want 1/1", pass, fail)
				}
				return nil
			},
		},
		{
			name: "progress reports list newest first",
			doer: func(t *testing.T, r Repos) error {
				c := selfChallenge(t, r, "alice-"+newID())
				base := time.Now().UTC().Truncate(time.Microsecond)
				for i, text := range []string{"day 1", "day 2", "day 3"} {
					rep, err := progressdomain.NewReport(newID(), c.ID, "alice", text, "", "", base.Add(time.Duration(i)*time.Minute))
					if err != nil {
						return err
					}
					if err := r.Progress.Create(t.Context(), rep); err != nil {
						return err
					}
				}
				list, err := r.Progress.ListByChallenge(t.Context(), c.ID, 2)
				if err != nil {
					return err
				}
				if len(list) != 2 || list[0].Text != "day 3" || list[1].Text != "day 2" {
					t.Errorf("reports = %+v", list)
				}
				return nil
			},
		},
		{
			name: "audit logs round trip",
			doer: func(t *testing.T, r Repos) error {
				cid := newID()
				a := &auditdomain.AuditLog{ID: newID(), ChallengeID: cid, UserID: "alice", Action: "approve",
					Resource: "challenge", IP: "127.0.0.1", CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
				if err := r.Audit.Create(t.Context(), a); err != nil {
					return err
				}
				got, err := r.Audit.GetByID(t.Context(), a.ID)
				if err != nil {
					return err
				}
				if got == nil || got.Action != "approve" {
					t.Errorf("audit = %+v", got)
				}
				list, err := r.Audit.ListByChallenge(t.Context(), cid, 10, 0)
				if err != nil {
					return err
				}
				if len(list) != 1 {
					t.Errorf("audit list = %d, want 1", len(list))
				}
				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.doer(t, r); err != nil {
				t.Fatal(err)
			}
		})
	}
}
