package dispatch

import (
	"time"

	"autoposter/internal/broadcast"
)

type EventKind string

const (
	EventPosted      EventKind = "posted"
	EventPostFailed  EventKind = "post_failed"
	EventDeactivated EventKind = "deactivated"
)

// Event is emitted once per settled schedule.
type Event struct {
	Kind       EventKind
	ScheduleID string
	SellerID   string
	ProductID  string
	Channel    string

	// Posted
	FiredAt    time.Time
	NextPostAt time.Time
	MessageID  int

	// PostFailed / Deactivated
	Reason    string
	Attempt   int
	ErrorKind broadcast.Kind
}

// Notifier receives engine events. Notify must not block the engine.
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(e Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
