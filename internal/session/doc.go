// Package session tracks bridge sessions and their pending transactions.
//
// A Session is one bridge connection. It owns a private transaction id
// sequence and a Table of continuations waiting for correlated replies. The
// Registry maps inbound endpoints (or declared bridge ids) to sessions.
//
// Every continuation is fulfilled exactly once: whichever of the reply path
// and the timer removes the entry from the table first fulfils it, and the
// other path finds nothing to do.
package session
