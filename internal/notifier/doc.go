// Package notifier delivers scheduler events to sellers and operators.
//
// The dispatch engine calls Notify synchronously after settling a schedule,
// so Notify never blocks: each event is logged, fanned out to the sinks that
// accept it and queued. A small worker pool drains the queue through a shared
// rate limiter and retries failed deliveries with jittered backoff. When the
// queue is full the notification is dropped and a notifier.dropped event is
// published on the bus.
//
// # Sinks
//
// TelegramSink sends a short HTML message either to the seller (by numeric
// Telegram user id) or to a fixed operator chat. AMQPSink publishes the event
// as JSON to a topic exchange so other services can react to it.
//
// Identical notifications within DedupWindow are suppressed, which keeps a
// schedule that fails on every poll from flooding the seller.
package notifier
