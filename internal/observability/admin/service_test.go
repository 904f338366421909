package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autoposter/internal/schedule"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

type fakeEngine struct {
	store storage.Store
	now   time.Time
	calls int
}

func (f *fakeEngine) Now() time.Time { return f.now }

func (f *fakeEngine) Reactivate(ctx context.Context, id string, now time.Time) (time.Time, error) {
	f.calls++
	next := now.Add(time.Hour)
	return next, f.store.Reactivate(ctx, id, next)
}

func newFixture(t *testing.T) (*Service, *fakeEngine, storage.Store) {
	t.Helper()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	st := storage.NewMemory()
	sc, err := schedule.New(schedule.Draft{
		ID:        "s1",
		SellerID:  "42",
		ProductID: "p1",
		Channel:   "@shop",
		Cadence:   schedule.Daily(),
		Slot:      schedule.Slot0900,
	}, now, time.UTC)
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}
	if err := st.Create(context.Background(), sc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	eng := &fakeEngine{store: st, now: now}
	return New(Config{Enabled: true}, eng, st, logx.Nop()), eng, st
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()
	svc, eng, st := newFixture(t)
	h := svc.Handler(Config{})

	rec := do(t, h, http.MethodGet, "/schedules/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var v ScheduleView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.ID != "s1" || !v.Active || v.Slot != "09:00" || v.NextPostAt == nil {
		t.Fatalf("view = %+v", v)
	}

	if rec := do(t, h, http.MethodPost, "/schedules/s1/deactivate", ""); rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	sc, _ := st.Get(context.Background(), "s1")
	if sc.IsActive {
		t.Fatal("schedule should be inactive")
	}

	if rec := do(t, h, http.MethodPost, "/schedules/s1/reactivate", ""); rec.Code != http.StatusOK {
		t.Fatalf("reactivate status = %d", rec.Code)
	}
	sc, _ = st.Get(context.Background(), "s1")
	if !sc.IsActive || eng.calls != 1 {
		t.Fatalf("reactivate: active=%v calls=%d", sc.IsActive, eng.calls)
	}

	if rec := do(t, h, http.MethodGet, "/schedules/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/schedules/s1/reactivate", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reactivate status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFixture(t)
	h := svc.Handler(Config{Token: "sekret"})

	tests := []struct {
		name   string
		target string
		token  string
		want   int
	}{
		{name: "healthz is open", target: "/healthz", want: http.StatusOK},
		{name: "no token", target: "/schedules/s1", want: http.StatusUnauthorized},
		{name: "wrong bearer", target: "/schedules/s1", token: "nope", want: http.StatusUnauthorized},
		{name: "bearer", target: "/schedules/s1", token: "sekret", want: http.StatusOK},
		{name: "query token", target: "/schedules/s1?token=sekret", want: http.StatusOK},
		{name: "pprof off", target: "/debug/pprof/", token: "sekret", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, h, http.MethodGet, tt.target, tt.token); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestServerReconfigureEnableDisable(t *testing.T) {
	svc, _, _ := newFixture(t)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("admin server never bound")
		}
		time.Sleep(10 * time.Millisecond)
		addr = svc.Addr()
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if addr := svc.Addr(); addr != "" {
		t.Fatalf("expected admin server to stop, still at %s", addr)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	if isLoopbackAddr("0.0.0.0:8089") || isLoopbackAddr(":8089") {
		t.Fatal("wildcard binds are not loopback")
	}
	if !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:1") {
		t.Fatal("loopback not detected")
	}
}
