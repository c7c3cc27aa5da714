// Package alert forwards selected account events to an operator chat.
//
// Events are taken from the bus, filtered by type and level, deduplicated
// over a short window and delivered by a single rate-limited worker. Delivery
// is best-effort: a full queue drops the alert and failures are retried a
// bounded number of times.
package alert
