package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"autoposter/internal/dispatch"
	"autoposter/internal/eventbus"
	rtsup "autoposter/internal/runtime/supervisor"
	logx "autoposter/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	sink Sink
	ev   dispatch.Event
	key  string
}

// Service is an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It implements dispatch.Notifier and is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	now func() time.Time
}

var _ dispatch.Notifier = (*Service)(nil)

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		sinks: sinks,
		dedup: map[string]time.Time{},
		now:   time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the live config. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// burst = rate per sec so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifications are best-effort; a failing worker must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes so workers can drain it.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify logs e and queues it for every sink that accepts it. It never blocks.
func (s *Service) Notify(e dispatch.Event) {
	s.logEvent(e)
	if err := s.enqueue(e); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Debug("notification not queued", logx.String("schedule_id", e.ScheduleID), logx.String("kind", string(e.Kind)), logx.Err(err))
	}
}

func (s *Service) logEvent(e dispatch.Event) {
	log := s.log.With(
		logx.String("schedule_id", e.ScheduleID),
		logx.String("seller_id", e.SellerID),
		logx.String("product_id", e.ProductID),
		logx.String("channel", e.Channel),
	)
	switch e.Kind {
	case dispatch.EventPosted:
		log.Info("schedule posted", logx.Int("message_id", e.MessageID), logx.Time("next_post_at", e.NextPostAt))
	case dispatch.EventPostFailed:
		log.Warn("schedule post failed", logx.Int("attempt", e.Attempt), logx.String("error_kind", e.ErrorKind.String()), logx.String("reason", e.Reason))
	case dispatch.EventDeactivated:
		log.Warn("schedule deactivated", logx.Int("attempt", e.Attempt), logx.String("error_kind", e.ErrorKind.String()), logx.String("reason", e.Reason))
	}
}

func (s *Service) enqueue(e dispatch.Event) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	sinks := s.sinks
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var firstErr error
	for _, sk := range sinks {
		if sk == nil || !sk.Accepts(e) {
			continue
		}
		key := dedupKey(sk.Name(), e)
		if window > 0 && !s.dedupAllow(key, window, maxEntries) {
			s.publish(eventbus.TypeNotifierDeduped, sk.Name(), e, key, nil)
			continue
		}
		select {
		case q <- job{sink: sk, ev: e, key: key}:
			s.publish(eventbus.TypeNotifierQueued, sk.Name(), e, key, nil)
		default:
			s.publish(eventbus.TypeNotifierDropped, sk.Name(), e, key, ErrQueueFull)
			if firstErr == nil {
				firstErr = ErrQueueFull
			}
		}
	}
	return firstErr
}

func (s *Service) publish(typ, sink string, e dispatch.Event, key string, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ne := NotificationEvent{Sink: sink, Kind: string(e.Kind), ScheduleID: e.ScheduleID, Key: key, At: now}
	if err != nil {
		ne.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ne})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	name := j.sink.Name()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := j.sink.Deliver(callCtx, j.ev)
		cancel()
		if err == nil {
			s.publish(eventbus.TypeNotifierSent, name, j.ev, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", name), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || errors.Is(err, ErrUndeliverable) {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("notification failed", logx.String("sink", name), logx.String("schedule_id", j.ev.ScheduleID), logx.String("kind", string(j.ev.Kind)), logx.Err(lastErr))
		s.publish(eventbus.TypeNotifierFailed, name, j.ev, j.key, lastErr)
	}
}

// dedupKey identifies a notification per sink. Posted events carry their fire
// time so successive posts are never suppressed.
func dedupKey(sink string, e dispatch.Event) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sink))
	_, _ = h.Write([]byte("|" + string(e.Kind) + "|" + e.ScheduleID + "|"))
	switch e.Kind {
	case dispatch.EventPosted:
		_, _ = h.Write([]byte(e.FiredAt.UTC().Format(time.RFC3339Nano)))
	default:
		_, _ = h.Write([]byte(e.ErrorKind.String() + "|" + e.Reason))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiry until within cap.
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	maxD := cfg.RetryMaxDelay
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
