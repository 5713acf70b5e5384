// Package scheduler arms cron entries and one-shot timers keyed by job id and
// hands each firing to the task engine. It never runs job work itself unless
// no engine is wired.
package scheduler
