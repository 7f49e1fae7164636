// Package mappings links live workflows to canonical workflows.
//
// Map statuses:
//   - LINKED: tied to a canonical workflow; drift is tracked
//   - UNMAPPED: live but unknown to the Version Store
//   - MISSING: was LINKED or UNMAPPED, absent from the last sync
//   - IGNORED: excluded by an operator; sync leaves it alone
//   - DELETED: removed by a rolled back promotion
//
// Sync auto-links a workflow only when exactly one non-retired canonical
// workflow carries its content hash and that canonical is not already linked
// in the environment.
package mappings
