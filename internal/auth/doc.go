// Package auth identifies API callers.
//
// With a verifier configured, callers present a bearer JWT (HS256 or RS256)
// whose subject is the caller id used for drone leases. Without one the relay
// runs in local mode and trusts the X-Caller-ID header.
package auth
