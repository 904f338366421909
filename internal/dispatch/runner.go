package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"autoposter/internal/eventbus"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

// Runner drives Engine.Tick on a fixed period. Ticks never overlap inside
// one Runner; other processes are excluded by the store claim.
type Runner struct {
	eng *Engine
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	c       *cron.Cron
	job     cron.Job
	entry   cron.EntryID
	period  time.Duration
	cancel  context.CancelFunc
	runs    sync.WaitGroup // the initial tick; cron tracks the scheduled ones
	started bool
}

type RunnerOption func(*Runner)

func WithBus(b eventbus.Bus) RunnerOption { return func(r *Runner) { r.bus = b } }

func NewRunner(eng *Engine, log logx.Logger, opts ...RunnerOption) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{eng: eng, log: log}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start schedules the polling job and runs a first tick immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cl := cronLogger{log: r.log}
	r.c = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cl))
	r.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		r.run(runCtx)
	}))
	r.period = r.eng.Config().PollPeriod
	r.entry = r.c.Schedule(cron.Every(r.period), r.job)
	r.c.Start()
	r.started = true

	// The first tick goes through the same chain so it cannot overlap a scheduled one.
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		r.job.Run()
	}()
	r.log.Info("dispatcher started",
		logx.Duration("poll_period", r.period),
		logx.String("worker_id", r.eng.Config().WorkerID),
	)
	return nil
}

// Reschedule applies a new poll period to a running Runner.
func (r *Runner) Reschedule(period time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || period <= 0 || period == r.period {
		return
	}
	r.c.Remove(r.entry)
	r.entry = r.c.Schedule(cron.Every(period), r.job)
	r.log.Info("poll period changed", logx.Duration("from", r.period), logx.Duration("to", period))
	r.period = period
}

// Stop stops scheduling and waits for the running tick up to ctx.
// If ctx expires first the tick is cancelled; its claims lapse with their leases.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	c, cancel := r.c, r.cancel
	r.mu.Unlock()

	cronDone := c.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		r.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		r.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		cancel()
		r.log.Warn("dispatcher stop timed out; in-flight tick cancelled")
		return ctx.Err()
	}
}

// run performs one tick plus backlog drain rounds.
func (r *Runner) run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tick panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()

	maxRounds := r.eng.Config().MaxDrainRounds
	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		now := r.eng.Now()
		rep, err := r.eng.Tick(ctx, now)
		r.report(now, round, rep, time.Since(start), err)
		if err != nil || !rep.Saturated || round+1 >= maxRounds {
			if err == nil && rep.Saturated {
				r.log.Warn("backlog not drained", logx.Int("rounds", round+1))
			}
			return
		}
	}
}

func (r *Runner) report(now time.Time, round int, rep TickReport, took time.Duration, err error) {
	switch {
	case err == nil:
		fields := []logx.Field{
			logx.Int("due", rep.Due),
			logx.Int("posted", rep.Posted),
			logx.Int("failed", rep.Failed),
			logx.Int("deactivated", rep.Deactivated),
			logx.Int("contended", rep.Contended),
			logx.Duration("took", took),
		}
		if rep.Throttled > 0 {
			fields = append(fields, logx.Int("throttled", rep.Throttled))
		}
		if rep.LeaseLost > 0 {
			fields = append(fields, logx.Int("lease_lost", rep.LeaseLost))
		}
		if round > 0 {
			fields = append(fields, logx.Int("drain_round", round))
		}
		if rep.Due > 0 {
			r.log.Info("tick", fields...)
		} else {
			r.log.Debug("tick", fields...)
		}
	case errors.Is(err, storage.ErrStoreUnavailable):
		r.log.Warn("tick aborted: store unavailable", logx.Err(err))
	case errors.Is(err, context.Canceled):
		r.log.Debug("tick cancelled")
	default:
		r.log.Error("tick failed", logx.Err(err))
	}

	if r.bus != nil {
		data := map[string]any{
			"due":         rep.Due,
			"posted":      rep.Posted,
			"failed":      rep.Failed,
			"deactivated": rep.Deactivated,
			"throttled":   rep.Throttled,
			"lease_lost":  rep.LeaseLost,
			"saturated":   rep.Saturated,
			"took_ms":     took.Milliseconds(),
		}
		if err != nil {
			data["error"] = err.Error()
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchTick, Time: now, Data: data})
	}
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if msg == "skip" {
		l.log.Warn("tick skipped: previous tick still running")
		return
	}
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
