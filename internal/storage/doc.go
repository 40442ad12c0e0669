// Package storage is the single source of truth for the scheduling engine.
//
// It persists four relations in SQLite:
//   - tasks: durable task definitions with recurrence rules and weights
//   - task_runs: execution attempts and their terminal outcomes
//   - task_queue: the pending-admission queue (the queue of record)
//   - scheduler_settings: flat key/value settings read by every cycle
package storage
