// Package trigger fires named schedules (cron, interval, daily at HH:MM) on a
// robfig/cron clock.
//
// Triggers only produce work: a trigger function enqueues jobs or runs a scan
// that enqueues jobs. Handler execution happens in the job pool.
package trigger
