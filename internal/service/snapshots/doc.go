// Package snapshots captures point-in-time copies of an environment's
// workflows into the Version Store and restores them.
//
// Snapshot types:
//   - manual_backup: requested by an operator
//   - pre_promotion / post_promotion: taken around a promotion execute
//   - pre_restore: taken before any restore or stabilize mutates a target
//
// A snapshot row is inserted only after its commit is written, so every row
// points at readable content. Rows are never updated.
//
// Restores that mutate an environment hold its lock and capture a
// pre_restore snapshot first. RestoreHeld is for callers that already hold
// the lock and have their own safety snapshot. A successful restore emits
// one "snapshot.restored" audit event.
package snapshots
