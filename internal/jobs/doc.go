// Package jobs keeps a persisted per-identity queue of deferred runs and
// fires them through a registered trigger when they fall due.
//
// A job is pending until its due time, running while the trigger works on
// it, and completed, failed or cancelled afterwards. Recurring jobs append
// their next occurrence when they finish, whatever the outcome.
package jobs
