// Package taskservice schedules durable work transactionally.
//
// Every durable task is recorded as a PendingTask binding under PendingPrefix
// in the data service, inside the caller's transaction. The reservation (or
// recurring handle) obtained from the low-level scheduler is armed only when
// that transaction commits and is cancelled when it aborts. When it fires, a
// new transaction re-reads the record, runs the task and removes the record
// unless the task is periodic. Ready re-arms every record left in the store
// by a previous process.
package taskservice
