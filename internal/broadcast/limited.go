package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// ErrThrottled marks a post that the local limiter could not admit before the
// caller's deadline. Nothing reached the target.
var ErrThrottled = errors.New("send rate limit exceeded")

func throttled(err error) error {
	return NewError(Transient, errors.Mark(err, ErrThrottled))
}

// Limited throttles an inner Broadcaster with a token bucket.
// A RateLimited failure carrying RetryAfter pauses every caller until the
// window has passed.
type Limited struct {
	next Broadcaster
	lim  *rate.Limiter

	mu         sync.Mutex
	pauseUntil time.Time
	now        func() time.Time
}

// NewLimited allows rps posts per second with the given burst.
// rps <= 0 disables throttling but keeps the RetryAfter pause.
func NewLimited(next Broadcaster, rps float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Limited{next: next, lim: lim, now: time.Now}
}

// SetRate updates the throttle in place.
func (l *Limited) SetRate(rps float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	if rps > 0 {
		l.lim.SetLimit(rate.Limit(rps))
	} else {
		l.lim.SetLimit(rate.Inf)
	}
	l.lim.SetBurst(burst)
}

func (l *Limited) Post(ctx context.Context, scheduleID, productID, channel string) (Receipt, error) {
	if err := l.waitPause(ctx); err != nil {
		return Receipt{}, err
	}
	if err := l.lim.Wait(ctx); err != nil {
		return Receipt{}, throttled(err)
	}
	rc, err := l.next.Post(ctx, scheduleID, productID, channel)
	if err != nil {
		if kind, after := Classify(err); kind == RateLimited && after > 0 {
			l.mu.Lock()
			if until := l.now().Add(after); until.After(l.pauseUntil) {
				l.pauseUntil = until
			}
			l.mu.Unlock()
		}
	}
	return rc, err
}

func (l *Limited) waitPause(ctx context.Context) error {
	l.mu.Lock()
	now, until := l.now(), l.pauseUntil
	l.mu.Unlock()
	d := until.Sub(now)
	if d <= 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(until) {
		return throttled(errors.Newf("paused for %s", d.Round(time.Second)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return throttled(ctx.Err())
	case <-t.C:
		return nil
	}
}
