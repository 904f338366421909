// Package broadcast defines the outbound channel-post contract used by the
// dispatcher and the typed failures a Broadcaster reports.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Receipt identifies a published post.
type Receipt struct {
	MessageID int
}

// Broadcaster publishes one product post to one channel.
// Implementations must be safe for concurrent use.
type Broadcaster interface {
	Post(ctx context.Context, scheduleID, productID, channel string) (Receipt, error)
}

// Func adapts a plain function to Broadcaster.
type Func func(ctx context.Context, scheduleID, productID, channel string) (Receipt, error)

func (f Func) Post(ctx context.Context, scheduleID, productID, channel string) (Receipt, error) {
	return f(ctx, scheduleID, productID, channel)
}

type Kind int

const (
	Transient Kind = iota
	PermissionRevoked
	TargetNotFound
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case PermissionRevoked:
		return "permission_revoked"
	case TargetNotFound:
		return "target_not_found"
	case RateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Permanent reports whether retrying without operator action cannot succeed.
func (k Kind) Permanent() bool { return k == PermissionRevoked || k == TargetNotFound }

// Error is the failure type returned by Broadcaster implementations.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration // set for RateLimited when the target says so
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify extracts the Kind of err. Errors that are not a *Error
// anywhere in their chain are Transient.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return Transient, 0
	}
	var be *Error
	if errors.As(err, &be) && be != nil {
		return be.Kind, be.RetryAfter
	}
	return Transient, 0
}

// Reason renders err as a short text for last_error and notifications.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	kind, _ := Classify(err)
	msg := err.Error()
	if !strings.HasPrefix(msg, kind.String()) {
		msg = kind.String() + ": " + msg
	}
	if r := []rune(msg); len(r) > 500 {
		msg = string(r[:500])
	}
	return msg
}
