// Package governance implements the admission-control primitives backed by
// the shared store: the distributed token bucket rate limiter, the decaying
// per-user risk score, per-IP backoff and the circuit breaker guarding model
// invocation. All shared-store mutations run as single atomic server-side
// scripts; on store unreachability callers fail closed rather than
// approximating locally.
package governance
