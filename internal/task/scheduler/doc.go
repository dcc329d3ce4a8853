// Package scheduler is the low-level, non-transactional trigger layer.
//
// It hands out two kinds of claims on future execution:
//   - Reservation: one run at an absolute time, armed by Use, dropped by Cancel
//   - Recurring: a fixed-period run registered with cron, armed by Start
//
// Firing never executes work inline; it submits a task to the task engine.
// Admission is bounded by a token bucket and a cap on outstanding claims.
package scheduler
