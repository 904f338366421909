package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/schedule"
	logx "autoposter/pkg/logx"
)

var t0 = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "test.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func seed(t *testing.T, st Store, id string, next time.Time) schedule.Schedule {
	t.Helper()
	sc := schedule.Schedule{
		ID:         id,
		SellerID:   "seller-1",
		ProductID:  "p-" + id,
		Channel:    "@shop",
		Cadence:    schedule.Daily(),
		Slot:       schedule.Slot0900,
		IsActive:   true,
		NextPostAt: next,
		CreatedAt:  t0.Add(-48 * time.Hour),
	}
	if err := st.Create(context.Background(), sc); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return sc
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		want := seed(t, st, "s1", t0)
		got, err := st.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ProductID != want.ProductID || got.Channel != want.Channel || got.Cadence != want.Cadence || got.Slot != want.Slot {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		if !got.IsActive || !got.NextPostAt.Equal(t0) || got.LastPostedAt != nil || got.ClaimedUntil != nil {
			t.Fatalf("unexpected state: %+v", got)
		}
		if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get missing err = %v", err)
		}
	})
}

func TestListDueOrderAndFilter(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "late", t0.Add(-time.Minute))
		seed(t, st, "oldest", t0.Add(-time.Hour))
		seed(t, st, "future", t0.Add(time.Minute))
		seed(t, st, "off", t0.Add(-2*time.Hour))
		if err := st.Deactivate(ctx, "off"); err != nil {
			t.Fatalf("deactivate: %v", err)
		}

		due, err := st.ListDue(ctx, t0, 10)
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(due) != 2 || due[0].ID != "oldest" || due[1].ID != "late" {
			t.Fatalf("due = %v", ids(due))
		}

		due, err = st.ListDue(ctx, t0, 1)
		if err != nil || len(due) != 1 || due[0].ID != "oldest" {
			t.Fatalf("limited due = %v, %v", ids(due), err)
		}
	})
}

func TestTryClaimLease(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "s1", t0)

		ok, err := st.TryClaim(ctx, "s1", t0, 2*time.Minute, "w1")
		if err != nil || !ok {
			t.Fatalf("first claim = %v, %v", ok, err)
		}
		ok, err = st.TryClaim(ctx, "s1", t0.Add(time.Minute), 2*time.Minute, "w2")
		if err != nil || ok {
			t.Fatalf("second claim under lease = %v, %v", ok, err)
		}
		due, _ := st.ListDue(ctx, t0.Add(time.Minute), 10)
		if len(due) != 0 {
			t.Fatalf("leased schedule listed as due: %v", ids(due))
		}

		// Lease expired without a recorded outcome.
		later := t0.Add(3 * time.Minute)
		ok, err = st.TryClaim(ctx, "s1", later, 2*time.Minute, "w2")
		if err != nil || !ok {
			t.Fatalf("claim after expiry = %v, %v", ok, err)
		}
		got, _ := st.Get(ctx, "s1")
		if got.ClaimedBy != "w2" || got.ClaimedUntil == nil || !got.ClaimedUntil.Equal(later.Add(2*time.Minute)) {
			t.Fatalf("lease = %v by %q", got.ClaimedUntil, got.ClaimedBy)
		}

		ok, err = st.TryClaim(ctx, "missing", later, time.Minute, "w1")
		if err != nil || ok {
			t.Fatalf("claim missing = %v, %v", ok, err)
		}
	})
}

func TestTryClaimRejectsNotDueOrInactive(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "future", t0.Add(time.Hour))
		seed(t, st, "off", t0)
		_ = st.Deactivate(ctx, "off")

		for _, id := range []string{"future", "off"} {
			ok, err := st.TryClaim(ctx, id, t0, time.Minute, "w1")
			if err != nil || ok {
				t.Fatalf("claim %s = %v, %v", id, ok, err)
			}
		}
	})
}

func TestTryClaimConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "s1", t0)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.TryClaim(ctx, "s1", t0, time.Minute, "w")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if n := wins.Load(); n != 1 {
			t.Fatalf("winners = %d, want 1", n)
		}
	})
}

func TestRecordSuccessAndFailure(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "s1", t0)

		if ok, _ := st.TryClaim(ctx, "s1", t0, time.Minute, "w1"); !ok {
			t.Fatal("claim failed")
		}
		if err := st.RecordFailure(ctx, "s1", "w1", 1, false, "transient: boom"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
		got, _ := st.Get(ctx, "s1")
		if got.ConsecutiveFailures != 1 || got.LastError != "transient: boom" || !got.IsActive {
			t.Fatalf("after failure: %+v", got)
		}
		if !got.NextPostAt.Equal(t0) || got.ClaimedUntil != nil || got.ClaimedBy != "" {
			t.Fatalf("failure must keep next_post_at and release lease: %+v", got)
		}

		if ok, _ := st.TryClaim(ctx, "s1", t0, time.Minute, "w1"); !ok {
			t.Fatal("re-claim failed")
		}
		fired := t0.Add(90 * time.Second)
		next := t0.Add(24 * time.Hour)
		if err := st.RecordSuccess(ctx, "s1", "w1", fired, next); err != nil {
			t.Fatalf("record success: %v", err)
		}
		got, _ = st.Get(ctx, "s1")
		if got.ConsecutiveFailures != 0 || got.LastError != "" || got.LastPostedAt == nil || !got.LastPostedAt.Equal(fired) {
			t.Fatalf("after success: %+v", got)
		}
		if !got.NextPostAt.Equal(next) {
			t.Fatalf("next = %v, want %v", got.NextPostAt, next)
		}

		if err := st.RecordFailure(ctx, "s1", "", 3, true, "permission revoked"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
		got, _ = st.Get(ctx, "s1")
		if got.IsActive || got.ConsecutiveFailures != 3 {
			t.Fatalf("after deactivation: %+v", got)
		}
		if n, _ := st.CountActiveBySeller(ctx, "seller-1"); n != 0 {
			t.Fatalf("active count = %d", n)
		}

		if err := st.RecordSuccess(ctx, "missing", "w1", fired, next); !errors.Is(err, ErrNotFound) {
			t.Fatalf("record success missing err = %v", err)
		}
	})
}

func TestStaleWorkerCannotRecord(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "s1", t0)

		if ok, _ := st.TryClaim(ctx, "s1", t0, time.Minute, "w1"); !ok {
			t.Fatal("first claim failed")
		}
		// w1's lease expires mid-post and w2 takes the schedule.
		later := t0.Add(2 * time.Minute)
		if ok, _ := st.TryClaim(ctx, "s1", later, time.Minute, "w2"); !ok {
			t.Fatal("re-claim after expiry failed")
		}

		if err := st.RecordSuccess(ctx, "s1", "w1", later, t0.Add(24*time.Hour)); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("stale success err = %v, want ErrLeaseLost", err)
		}
		if err := st.RecordFailure(ctx, "s1", "w1", 2, true, "late"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("stale failure err = %v, want ErrLeaseLost", err)
		}

		got, _ := st.Get(ctx, "s1")
		if got.ClaimedBy != "w2" || got.ClaimedUntil == nil || !got.IsActive {
			t.Fatalf("w2 claim disturbed: %+v", got)
		}
		if got.LastPostedAt != nil || got.ConsecutiveFailures != 0 || !got.NextPostAt.Equal(t0) {
			t.Fatalf("stale write applied: %+v", got)
		}

		if err := st.RecordSuccess(ctx, "s1", "w2", later, t0.Add(24*time.Hour)); err != nil {
			t.Fatalf("holder success: %v", err)
		}
	})
}

func TestReactivateAndDelete(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st, "s1", t0)
		_ = st.RecordFailure(ctx, "s1", "", 3, true, "gone")

		next := t0.Add(48 * time.Hour)
		if err := st.Reactivate(ctx, "s1", next); err != nil {
			t.Fatalf("reactivate: %v", err)
		}
		got, _ := st.Get(ctx, "s1")
		if !got.IsActive || got.ConsecutiveFailures != 0 || got.LastError != "" || !got.NextPostAt.Equal(next) {
			t.Fatalf("after reactivate: %+v", got)
		}
		list, err := st.ListBySeller(ctx, "seller-1")
		if err != nil || len(list) != 1 {
			t.Fatalf("list by seller = %v, %v", ids(list), err)
		}

		if err := st.Delete(ctx, "s1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := st.Delete(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete err = %v", err)
		}
	})
}

func TestProductsAndChannelPosts(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := Product{ID: "p1", SellerID: "seller-1", Title: "Lamp", Price: 1250.5, Type: ProductStandard, LikeEnabled: true, IsActive: true}
		if err := st.PutProduct(ctx, p); err != nil {
			t.Fatalf("put product: %v", err)
		}
		p.Title = "Desk lamp"
		if err := st.PutProduct(ctx, p); err != nil {
			t.Fatalf("upsert product: %v", err)
		}
		got, err := st.Product(ctx, "p1")
		if err != nil || got.Title != "Desk lamp" || !got.LikeEnabled || got.SaveEnabled || got.Price != 1250.5 {
			t.Fatalf("product = %+v, %v", got, err)
		}
		if _, err := st.Product(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing product err = %v", err)
		}

		if err := st.AppendChannelPost(ctx, ChannelPost{ProductID: "p1", ScheduleID: "s1", Channel: "@shop", MessageID: 77, PostedAt: t0}); err != nil {
			t.Fatalf("append post: %v", err)
		}
		posts, err := st.ListChannelPosts(ctx, "p1")
		if err != nil || len(posts) != 1 || posts[0].MessageID != 77 || !posts[0].PostedAt.Equal(t0) {
			t.Fatalf("posts = %+v, %v", posts, err)
		}
	})
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		_ = st.Close()
		if _, err := st.ListDue(context.Background(), t0, 10); !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("list due after close err = %v", err)
		}
	})
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none err = %v", err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without path should fail")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
}

func ids(list []schedule.Schedule) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}
