// Package drift compares live workflows against their canonical baselines and
// manages the resulting incidents.
//
// Incident states:
//   - OPEN: drift detected; refreshed, never duplicated, while drift persists
//   - ACKNOWLEDGED: an operator has seen it
//   - RESOLVED: closed manually, or automatically once the live side is clean
//   - RECONCILED: the live definition became the new canonical baseline
//   - CLOSED: the live workflow was rewritten from the canonical baseline
//
// A map has at most one OPEN or ACKNOWLEDGED incident at a time. Detection
// never raises incidents for dev environments, or when the Workflow Source or
// the Version Store cannot be read.
package drift
