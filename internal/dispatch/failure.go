package dispatch

import "autoposter/internal/broadcast"

const DefaultFailureThreshold = 3

// FailureTracker decides what a failed post does to a schedule.
type FailureTracker struct {
	// Threshold is the number of consecutive failures that deactivates a schedule.
	Threshold int
	// FastTrackPermanent deactivates on the first PermissionRevoked or
	// TargetNotFound failure.
	FastTrackPermanent bool
}

// Next returns the new consecutive failure count, whether the schedule must be
// deactivated and the reason to persist.
func (f FailureTracker) Next(current int, err error) (count int, deactivate bool, reason string) {
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if current < 0 {
		current = 0
	}
	count = current + 1
	reason = broadcast.Reason(err)

	kind, _ := broadcast.Classify(err)
	if f.FastTrackPermanent && kind.Permanent() {
		return count, true, reason
	}
	return count, count >= threshold, reason
}
