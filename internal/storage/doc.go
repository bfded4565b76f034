// Package storage persists reminder definitions, dated instances, open
// sendings, the sent-message log and the retraction queue.
//
// Two drivers share one Store contract:
//   - "postgres": pgx pool; multi-step operations are single CTE statements
//   - "sqlite": modernc sqlite; multi-step operations run in one transaction
package storage
