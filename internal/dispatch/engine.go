package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/broadcast"
	"autoposter/internal/clock"
	"autoposter/internal/schedule"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

const (
	DefaultPollPeriod    = 5 * time.Minute
	DefaultLeaseDuration = 2 * time.Minute
	DefaultPostTimeout   = 30 * time.Second
	DefaultStoreTimeout  = 5 * time.Second
	DefaultBatchSize     = 50
	DefaultDrainRounds   = 10
)

type Config struct {
	PollPeriod    time.Duration
	LeaseDuration time.Duration
	PostTimeout   time.Duration
	StoreTimeout  time.Duration
	BatchSize     int

	FailureThreshold   int
	FastTrackPermanent bool

	// Location is the reference zone of the daily slots.
	Location *time.Location
	WorkerID string

	MaxDrainRounds int
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.PollPeriod <= 0 {
		c.PollPeriod = DefaultPollPeriod
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = DefaultPostTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		c.WorkerID = "local"
	}
	if c.MaxDrainRounds <= 0 {
		c.MaxDrainRounds = DefaultDrainRounds
	}
	return c
}

// Validate checks a defaulted config.
// A post must finish well inside its lease or another worker could claim the
// schedule while the first post is still in flight.
func (c Config) Validate() error {
	if c.LeaseDuration < 2*c.PostTimeout {
		return errors.Newf("lease_duration (%s) must be at least twice post_timeout (%s)", c.LeaseDuration, c.PostTimeout)
	}
	if c.BatchSize > 1000 {
		return errors.Newf("batch_size %d is too large (max 1000)", c.BatchSize)
	}
	return nil
}

// TickReport summarises one Tick.
type TickReport struct {
	Due         int
	Claimed     int
	Contended   int
	Posted      int
	Failed      int
	Deactivated int
	Invalid     int
	// Throttled counts schedules released untouched because the local send
	// rate limit could not admit them before post_timeout.
	Throttled int
	// LeaseLost counts results discarded because the claim expired mid-post.
	LeaseLost int
	// Saturated is set when the batch was full and more work may be waiting.
	Saturated bool
	// Lag is how far the oldest due schedule was behind now.
	Lag time.Duration
}

// PostLog records published messages. storage.Store satisfies it.
type PostLog interface {
	AppendChannelPost(ctx context.Context, p storage.ChannelPost) error
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notify = n
		}
	}
}

func WithPostLog(p PostLog) Option { return func(e *Engine) { e.posts = p } }

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// Engine runs the claim/post/record cycle. It is safe for concurrent use;
// concurrent Ticks rely on TryClaim for exclusion.
type Engine struct {
	store  storage.ScheduleStore
	bc     broadcast.Broadcaster
	notify Notifier
	posts  PostLog
	clock  clock.Clock
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewEngine(cfg Config, store storage.ScheduleStore, bc broadcast.Broadcaster, opts ...Option) (*Engine, error) {
	if store == nil || bc == nil {
		return nil, errors.New("dispatch: store and broadcaster are required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:  store,
		bc:     bc,
		notify: nopNotifier{},
		clock:  clock.Real{},
		log:    logx.Nop(),
		cfg:    cfg,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e, nil
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Apply swaps tunables at runtime. Invalid configs are rejected and the
// current one is kept.
func (e *Engine) Apply(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

func (e *Engine) tracker(cfg Config) FailureTracker {
	return FailureTracker{Threshold: cfg.FailureThreshold, FastTrackPermanent: cfg.FastTrackPermanent}
}

// Tick processes the schedules due at now. A store failure aborts the tick
// and is returned; broadcast failures are recorded per schedule.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	cfg := e.Config()
	now = now.UTC()
	var rep TickReport

	lctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	due, err := e.store.ListDue(lctx, now, cfg.BatchSize)
	cancel()
	if err != nil {
		return rep, errors.Wrap(err, "list due")
	}
	rep.Due = len(due)
	rep.Saturated = len(due) >= cfg.BatchSize
	if len(due) == 0 {
		return rep, nil
	}

	if lag := now.Sub(due[0].NextPostAt); lag > cfg.PollPeriod {
		rep.Lag = lag
		e.log.Warn("scheduler lag",
			logx.Duration("lag", lag),
			logx.String("schedule_id", due[0].ID),
			logx.Int("due", len(due)),
		)
	}

	for _, sc := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := e.dispatch(ctx, cfg, sc, now, &rep); err != nil {
			return rep, err
		}
		if rep.Throttled > 0 {
			// The rest of the batch would hit the same limit; leave it for the next poll.
			rep.Saturated = false
			break
		}
	}
	return rep, nil
}

func (e *Engine) storeCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.StoreTimeout)
}

func (e *Engine) dispatch(ctx context.Context, cfg Config, sc schedule.Schedule, now time.Time, rep *TickReport) error {
	log := e.log.With(logx.String("schedule_id", sc.ID))

	cctx, cancel := e.storeCtx(ctx, cfg)
	ok, err := e.store.TryClaim(cctx, sc.ID, now, cfg.LeaseDuration, cfg.WorkerID)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "claim %s", sc.ID)
	}
	if !ok {
		rep.Contended++
		log.Trace("claim lost")
		return nil
	}
	rep.Claimed++

	// The next slot is computed before posting so a schedule whose policy
	// cannot be evaluated is never posted without a way to move it forward.
	next, err := schedule.NextFireTimeAfter(sc.Cadence, sc.Slot, now, cfg.Location)
	if err != nil {
		rep.Invalid++
		log.Error("invalid cadence policy", logx.String("cadence", sc.Cadence.String()), logx.Err(err))
		rctx, cancel := e.storeCtx(ctx, cfg)
		defer cancel()
		if rerr := e.store.RecordFailure(rctx, sc.ID, cfg.WorkerID, sc.ConsecutiveFailures, false, err.Error()); rerr != nil {
			return e.leaseLost(rerr, sc.ID, "release", rep)
		}
		return nil
	}

	pctx, pcancel := context.WithTimeout(ctx, cfg.PostTimeout)
	rc, perr := e.bc.Post(pctx, sc.ID, sc.ProductID, sc.Channel)
	pcancel()

	if perr == nil {
		return e.settleSuccess(ctx, cfg, sc, now, next, rc, rep)
	}
	if ctx.Err() != nil {
		// Shutting down: the lease expires on its own.
		log.Debug("post abandoned on shutdown", logx.Err(perr))
		return ctx.Err()
	}
	if errors.Is(perr, broadcast.ErrThrottled) {
		return e.release(ctx, cfg, sc, perr, rep)
	}
	return e.settleFailure(ctx, cfg, sc, perr, rep)
}

// release hands a claimed schedule back without counting a failure. Nothing
// was sent, so the failure counter and last error stay as they were.
func (e *Engine) release(ctx context.Context, cfg Config, sc schedule.Schedule, perr error, rep *TickReport) error {
	rep.Throttled++
	e.log.Warn("post deferred by send rate limit", logx.String("schedule_id", sc.ID), logx.Err(perr))
	rctx, cancel := e.storeCtx(ctx, cfg)
	defer cancel()
	if err := e.store.RecordFailure(rctx, sc.ID, cfg.WorkerID, sc.ConsecutiveFailures, false, sc.LastError); err != nil {
		return e.leaseLost(err, sc.ID, "release", rep)
	}
	return nil
}

// leaseLost turns ErrLeaseLost into a logged, counted no-op. Any other error
// is wrapped and returned.
func (e *Engine) leaseLost(err error, id, op string, rep *TickReport) error {
	if !errors.Is(err, storage.ErrLeaseLost) {
		return errors.Wrapf(err, "%s %s", op, id)
	}
	rep.LeaseLost++
	e.log.Warn("lease lost before result was recorded; result discarded",
		logx.String("schedule_id", id), logx.String("op", op))
	return nil
}

func (e *Engine) settleSuccess(ctx context.Context, cfg Config, sc schedule.Schedule, now, next time.Time, rc broadcast.Receipt, rep *TickReport) error {
	sctx, cancel := e.storeCtx(ctx, cfg)
	defer cancel()
	if err := e.store.RecordSuccess(sctx, sc.ID, cfg.WorkerID, now, next); err != nil {
		if !errors.Is(err, storage.ErrLeaseLost) {
			e.log.Error("post sent but success not recorded",
				logx.String("schedule_id", sc.ID), logx.Int("message_id", rc.MessageID), logx.Err(err))
		}
		return e.leaseLost(err, sc.ID, "record success", rep)
	}
	rep.Posted++

	if e.posts != nil && rc.MessageID != 0 {
		if err := e.posts.AppendChannelPost(sctx, storage.ChannelPost{
			ProductID:  sc.ProductID,
			ScheduleID: sc.ID,
			Channel:    sc.Channel,
			MessageID:  rc.MessageID,
			PostedAt:   now,
		}); err != nil {
			e.log.Warn("channel post not logged", logx.String("schedule_id", sc.ID), logx.Err(err))
		}
	}

	e.log.Info("posted",
		logx.String("schedule_id", sc.ID),
		logx.String("channel", sc.Channel),
		logx.Time("next_post_at", next),
	)
	e.notify.Notify(Event{
		Kind:       EventPosted,
		ScheduleID: sc.ID,
		SellerID:   sc.SellerID,
		ProductID:  sc.ProductID,
		Channel:    sc.Channel,
		FiredAt:    now,
		NextPostAt: next,
		MessageID:  rc.MessageID,
	})
	return nil
}

func (e *Engine) settleFailure(ctx context.Context, cfg Config, sc schedule.Schedule, perr error, rep *TickReport) error {
	count, deactivate, reason := e.tracker(cfg).Next(sc.ConsecutiveFailures, perr)
	kind, _ := broadcast.Classify(perr)

	sctx, cancel := e.storeCtx(ctx, cfg)
	defer cancel()
	if err := e.store.RecordFailure(sctx, sc.ID, cfg.WorkerID, count, deactivate, reason); err != nil {
		return e.leaseLost(err, sc.ID, "record failure", rep)
	}

	ev := Event{
		ScheduleID: sc.ID,
		SellerID:   sc.SellerID,
		ProductID:  sc.ProductID,
		Channel:    sc.Channel,
		Reason:     reason,
		Attempt:    count,
		ErrorKind:  kind,
	}
	if deactivate {
		rep.Deactivated++
		ev.Kind = EventDeactivated
		e.log.Warn("schedule deactivated",
			logx.String("schedule_id", sc.ID),
			logx.String("channel", sc.Channel),
			logx.Int("attempt", count),
			logx.String("reason", reason),
		)
	} else {
		rep.Failed++
		ev.Kind = EventPostFailed
		e.log.Info("post failed",
			logx.String("schedule_id", sc.ID),
			logx.Int("attempt", count),
			logx.String("reason", reason),
		)
	}
	e.notify.Notify(ev)
	return nil
}

// Admin is the part of the store manual reactivation needs.
type Admin interface {
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	Reactivate(ctx context.Context, id string, nextPostAt time.Time) error
}

// Reactivate resumes a schedule. A next_post_at already in the past is
// recomputed from now so the schedule does not fire immediately for a slot it missed.
func (e *Engine) Reactivate(ctx context.Context, id string, now time.Time) (time.Time, error) {
	adm, ok := e.store.(Admin)
	if !ok {
		return time.Time{}, errors.New("dispatch: store does not support reactivation")
	}
	cfg := e.Config()
	sctx, cancel := e.storeCtx(ctx, cfg)
	defer cancel()

	sc, err := adm.Get(sctx, id)
	if err != nil {
		return time.Time{}, err
	}
	next := sc.NextPostAt
	if next.IsZero() || next.Before(now) {
		next, err = schedule.NextFireTime(sc.Cadence, sc.Slot, now, cfg.Location)
		if err != nil {
			return time.Time{}, err
		}
	}
	if err := adm.Reactivate(sctx, id, next); err != nil {
		return time.Time{}, err
	}
	e.log.Info("schedule reactivated", logx.String("schedule_id", id), logx.Time("next_post_at", next))
	return next, nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }
