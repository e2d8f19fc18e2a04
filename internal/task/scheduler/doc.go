// Package scheduler is the wakeup alarm: a recurring cron entry that tops the
// worker pool up to its target concurrency with batch tasks.
package scheduler
