package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// lockerConformance is shared by the local and Redis lockers.
func lockerConformance(t *testing.T, l Locker) {
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		unlock, err := l.TryLock(ctx, "c1", time.Minute)
		if err != nil {
			t.Fatalf("first TryLock: %v", err)
		}
		if _, err := l.TryLock(ctx, "c1", time.Minute); !errors.Is(err, ErrLocked) {
			t.Errorf("second TryLock err = %v, want ErrLocked", err)
		}
		if _, err := l.TryLock(ctx, "c2", time.Minute); err != nil {
			t.Errorf("other key should be free: %v", err)
		}
		if err := unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
		again, err := l.TryLock(ctx, "c1", time.Minute)
		if err != nil {
			t.Fatalf("TryLock after unlock: %v", err)
		}
		_ = again(ctx)
	})

	t.Run("one winner under contention", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.TryLock(ctx, "race", time.Minute); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Errorf("winners = %d, want 1", wins.Load())
		}
	})
}

func TestLocal(t *testing.T) {
	lockerConformance(t, NewLocal())
}

func TestLocal_ExpiredLockIsReclaimed(t *testing.T) {
	l := NewLocal()
	now := time.Now()
	l.now = func() time.Time { return now }
	stale, err := l.TryLock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	fresh, err := l.TryLock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("expired lock should be reclaimable: %v", err)
	}
	_ = stale(context.Background())
	if _, err := l.TryLock(context.Background(), "k", time.Second); !errors.Is(err, ErrLocked) {
		t.Error("stale unlock must not release the new holder's lock")
	}
	_ = fresh(context.Background())
}
