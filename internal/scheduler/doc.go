// Package scheduler runs timed jobs: one-shot timers (delayed join approvals)
// and cron schedules (the daily digest).
//
// Jobs run on their own goroutine under a supervisor with a per-job timeout,
// so a slow job never delays other timers. One-shot timers are keyed by name;
// adding a name again replaces the pending timer.
package scheduler
