package notifier

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"autoposter/internal/dispatch"
)

// ErrUndeliverable marks a delivery error that retrying cannot fix.
var ErrUndeliverable = errors.New("notification undeliverable")

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Accepts(e dispatch.Event) bool
	Deliver(ctx context.Context, e dispatch.Event) error
}

// KindSet filters events by kind. The zero value accepts nothing.
type KindSet map[dispatch.EventKind]struct{}

func Kinds(kinds ...dispatch.EventKind) KindSet {
	ks := KindSet{}
	for _, k := range kinds {
		ks[k] = struct{}{}
	}
	return ks
}

// ParseKinds accepts "posted", "post_failed" and "deactivated".
func ParseKinds(names []string) (KindSet, error) {
	ks := KindSet{}
	for _, n := range names {
		k := dispatch.EventKind(strings.ToLower(strings.TrimSpace(n)))
		switch k {
		case dispatch.EventPosted, dispatch.EventPostFailed, dispatch.EventDeactivated:
			ks[k] = struct{}{}
		case "":
		default:
			return nil, errors.Newf("unknown event kind %q", n)
		}
	}
	return ks, nil
}

func (ks KindSet) Has(k dispatch.EventKind) bool {
	_, ok := ks[k]
	return ok
}
