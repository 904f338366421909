package admin

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/schedule"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

// ScheduleView is the JSON shape of a schedule on the admin API.
type ScheduleView struct {
	ID                  string     `json:"id"`
	SellerID            string     `json:"seller_id"`
	ProductID           string     `json:"product_id"`
	Channel             string     `json:"channel"`
	Cadence             string     `json:"cadence"`
	Slot                string     `json:"slot"`
	Active              bool       `json:"active"`
	NextPostAt          *time.Time `json:"next_post_at,omitempty"`
	LastPostedAt        *time.Time `json:"last_posted_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	ClaimedUntil        *time.Time `json:"claimed_until,omitempty"`
	ClaimedBy           string     `json:"claimed_by,omitempty"`
}

func viewOf(sc schedule.Schedule) ScheduleView {
	v := ScheduleView{
		ID:                  sc.ID,
		SellerID:            sc.SellerID,
		ProductID:           sc.ProductID,
		Channel:             sc.Channel,
		Cadence:             sc.Cadence.String(),
		Slot:                sc.Slot.String(),
		Active:              sc.IsActive,
		LastPostedAt:        sc.LastPostedAt,
		ConsecutiveFailures: sc.ConsecutiveFailures,
		LastError:           sc.LastError,
		ClaimedUntil:        sc.ClaimedUntil,
		ClaimedBy:           sc.ClaimedBy,
	}
	if sc.IsActive && !sc.NextPostAt.IsZero() {
		next := sc.NextPostAt
		v.NextPostAt = &next
	}
	return v
}

// Handler builds the admin mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /schedules/{id}", wrap(s.getSchedule))
	mux.Handle("POST /schedules/{id}/reactivate", wrap(s.reactivate))
	mux.Handle("POST /schedules/{id}/deactivate", wrap(s.deactivate))

	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(hpprof.Index))
		mux.Handle("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.Handle("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.Handle("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.Handle("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sc))
}

func (s *Service) reactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	next, err := s.eng.Reactivate(r.Context(), id, s.eng.Now())
	if err != nil {
		s.writeErr(w, "reactivate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "next_post_at": next})
}

func (s *Service) deactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Deactivate(r.Context(), id); err != nil {
		s.writeErr(w, "deactivate", err)
		return
	}
	s.log.Info("schedule deactivated by operator", logx.String("schedule_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (s *Service) writeErr(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Warn("admin request failed", logx.String("op", op), logx.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
