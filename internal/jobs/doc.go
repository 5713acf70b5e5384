// Package jobs owns the lifecycle of scheduled notification jobs.
//
// A scheduling request validates the schedule, inserts a Job into the
// Registry and arms a trigger (cron or one-shot) keyed by the job id. Each
// firing runs the Coordinator, which checks the job's cancel flag, counts
// the occurrence, calls the notifier and retires the job when it is
// exhausted.
//
// Cancellation is advisory. The flag is read without the registry lock, so
// a removal racing a due firing may let exactly one extra delivery through.
package jobs
