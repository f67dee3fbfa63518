// Package audit writes the relay's append-only audit trail.
//
// Every command, search and lease decision becomes one JSON line carrying the
// caller, the drone, the parameters, the outcome and its code. The file is
// rotated by size.
package audit
