// Package notifier sends short operator reports about finished runs, risk
// halts and scheduled jobs to a chat.
//
// Reports are built from event bus traffic and pushed through an async
// pipeline: a bounded queue, a worker pool, a token-bucket rate limit,
// retries with jittered exponential backoff and a dedup window that keeps
// a flapping condition from flooding the chat.
package notifier
