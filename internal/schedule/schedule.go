// Package schedule holds the recurring-post model and the cadence arithmetic
// that derives every next_post_at value.
package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Schedule is one recurring posting configuration.
//
// Eligibility is decided from NextPostAt alone; the remaining fields record
// outcome (LastPostedAt, ConsecutiveFailures, LastError) and lease state.
type Schedule struct {
	ID        string
	SellerID  string
	ProductID string
	Channel   string

	Cadence Cadence
	Slot    Slot

	IsActive            bool
	LastPostedAt        *time.Time
	NextPostAt          time.Time
	ConsecutiveFailures int
	LastError           string

	ClaimedUntil *time.Time
	ClaimedBy    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claimed reports whether a lease is held at now.
func (s Schedule) Claimed(now time.Time) bool {
	return s.ClaimedUntil != nil && !s.ClaimedUntil.Before(now)
}

// Due reports whether the engine may pick the schedule at now.
func (s Schedule) Due(now time.Time) bool {
	return s.IsActive && !s.NextPostAt.After(now) && !s.Claimed(now)
}

// Draft describes a schedule to create.
type Draft struct {
	ID        string
	SellerID  string
	ProductID string
	Channel   string
	Cadence   Cadence
	Slot      Slot
}

// New builds an active schedule whose first fire is computed from now.
func New(d Draft, now time.Time, loc *time.Location) (Schedule, error) {
	if strings.TrimSpace(d.ID) == "" {
		return Schedule{}, errors.New("schedule id is required")
	}
	if strings.TrimSpace(d.ProductID) == "" || strings.TrimSpace(d.Channel) == "" {
		return Schedule{}, errors.New("schedule product and channel are required")
	}
	next, err := NextFireTime(d.Cadence, d.Slot, now, loc)
	if err != nil {
		return Schedule{}, err
	}
	now = now.UTC()
	return Schedule{
		ID:         d.ID,
		SellerID:   d.SellerID,
		ProductID:  d.ProductID,
		Channel:    strings.TrimSpace(d.Channel),
		Cadence:    d.Cadence,
		Slot:       d.Slot,
		IsActive:   true,
		NextPostAt: next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
