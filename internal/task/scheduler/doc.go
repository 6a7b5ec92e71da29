// Package scheduler runs recurring jobs from five-field cron expressions.
//
// A single poll loop selects due jobs (enabled, not running, not terminally
// failed, next run reached, market open when required), orders them by
// priority then next run, and admits as many as the concurrency limit allows.
// Each admitted job runs in its own supervised goroutine under a timeout.
// Failures are retried with exponential backoff; jobs running past the stuck
// threshold are cancelled on the next poll.
package scheduler
