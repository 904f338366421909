package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/schedule"
)

// memoryStore keeps everything in process memory behind one mutex.
// Each method holds the lock for its whole duration, which gives the same
// single-row atomicity the SQL backends get from conditional updates.
type memoryStore struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
	products  map[string]Product
	posts     []ChannelPost
	closed    bool
	now       func() time.Time
}

func NewMemory() Store {
	return &memoryStore{
		schedules: map[string]*schedule.Schedule{},
		products:  map[string]Product{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *memoryStore) check(ctx context.Context) error {
	if m.closed {
		return errors.Mark(errors.New("storage: memory store closed"), ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err, "memory")
	}
	return nil
}

func cloneSchedule(s *schedule.Schedule) schedule.Schedule {
	out := *s
	if s.LastPostedAt != nil {
		t := *s.LastPostedAt
		out.LastPostedAt = &t
	}
	if s.ClaimedUntil != nil {
		t := *s.ClaimedUntil
		out.ClaimedUntil = &t
	}
	return out
}

func (m *memoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	out := make([]schedule.Schedule, 0)
	for _, s := range m.schedules {
		if s.IsActive && !s.NextPostAt.After(now) && (s.ClaimedUntil == nil || s.ClaimedUntil.Before(now)) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextPostAt.Equal(out[j].NextPostAt) {
			return out[i].NextPostAt.Before(out[j].NextPostAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) TryClaim(ctx context.Context, id string, now time.Time, lease time.Duration, worker string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	s, ok := m.schedules[id]
	if !ok || !s.IsActive || s.NextPostAt.After(now) {
		return false, nil
	}
	if s.ClaimedUntil != nil && !s.ClaimedUntil.Before(now) {
		return false, nil
	}
	until := now.Add(lease).UTC()
	s.ClaimedUntil = &until
	s.ClaimedBy = worker
	s.UpdatedAt = now.UTC()
	return true, nil
}

// holder returns the row if worker still holds its claim.
func (m *memoryStore) holder(id, worker string) (*schedule.Schedule, error) {
	s, ok := m.schedules[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	if s.ClaimedBy != worker {
		return nil, errors.Wrapf(ErrLeaseLost, "schedule %s", id)
	}
	return s, nil
}

func (m *memoryStore) RecordSuccess(ctx context.Context, id, worker string, firedAt, nextPostAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	s, err := m.holder(id, worker)
	if err != nil {
		return err
	}
	fired := firedAt.UTC()
	s.LastPostedAt = &fired
	s.NextPostAt = nextPostAt.UTC()
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.ClaimedUntil = nil
	s.ClaimedBy = ""
	s.UpdatedAt = m.now()
	return nil
}

func (m *memoryStore) RecordFailure(ctx context.Context, id, worker string, failures int, deactivate bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	s, err := m.holder(id, worker)
	if err != nil {
		return err
	}
	s.ConsecutiveFailures = failures
	s.LastError = reason
	s.ClaimedUntil = nil
	s.ClaimedBy = ""
	if deactivate {
		s.IsActive = false
	}
	s.UpdatedAt = m.now()
	return nil
}

func (m *memoryStore) Create(ctx context.Context, s schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, exists := m.schedules[s.ID]; exists {
		return errors.Newf("schedule %s already exists", s.ID)
	}
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := cloneSchedule(&s)
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memoryStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return schedule.Schedule{}, err
	}
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	return cloneSchedule(s), nil
}

func (m *memoryStore) ListBySeller(ctx context.Context, sellerID string) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]schedule.Schedule, 0)
	for _, s := range m.schedules {
		if s.SellerID == sellerID {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPostAt.Before(out[j].NextPostAt) })
	return out, nil
}

func (m *memoryStore) CountActiveBySeller(ctx context.Context, sellerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range m.schedules {
		if s.SellerID == sellerID && s.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	s, ok := m.schedules[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	s.IsActive = false
	s.UpdatedAt = m.now()
	return nil
}

func (m *memoryStore) Reactivate(ctx context.Context, id string, nextPostAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	s, ok := m.schedules[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	s.IsActive = true
	s.NextPostAt = nextPostAt.UTC()
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.ClaimedUntil = nil
	s.ClaimedBy = ""
	s.UpdatedAt = m.now()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.schedules[id]; !ok {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *memoryStore) PutProduct(ctx context.Context, p Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.products[p.ID] = p
	return nil
}

func (m *memoryStore) Product(ctx context.Context, id string) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return Product{}, err
	}
	p, ok := m.products[id]
	if !ok {
		return Product{}, errors.Wrapf(ErrNotFound, "product %s", id)
	}
	return p, nil
}

func (m *memoryStore) AppendChannelPost(ctx context.Context, p ChannelPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if p.PostedAt.IsZero() {
		p.PostedAt = m.now()
	}
	m.posts = append(m.posts, p)
	return nil
}

func (m *memoryStore) ListChannelPosts(ctx context.Context, productID string) ([]ChannelPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]ChannelPost, 0)
	for _, p := range m.posts {
		if p.ProductID == productID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
