// Package promotions moves workflow definitions from a pipeline stage's source
// environment into its target environment.
//
// Promotion states:
//   - PENDING: gates passed, no approval required
//   - PENDING_APPROVAL: waiting for Approve or Reject
//   - APPROVED: may be executed
//   - RUNNING: entered once, by compare-and-set, while the target is locked
//   - COMPLETED / FAILED / REJECTED / CANCELLED: terminal
//
// A COMPLETED promotion may be rolled back manually; that records a
// transition to FAILED annotated manual_rollback and never re-enters RUNNING.
//
// Execute never mutates the target before its pre_promotion snapshot is
// committed. A failed apply restores that snapshot under the same lock.
//
// Audit semantics:
//   - initiate/approve/reject/cancel/completed/failed/rolled_back emit one
//     "promotion.<action>" event after the state change is persisted.
package promotions
