// Package dispatch fires due schedules.
//
// Engine.Tick is one polling cycle: list due schedules, claim each with a
// lease, post through the Broadcaster and record the outcome. All exclusion
// between workers (goroutines or processes) goes through the store's
// conditional claim, so any number of engines may tick the same store.
//
// Runner drives Tick on a fixed period with robfig/cron and drains backlog
// when a tick fills its batch.
package dispatch
