// Package health provides composable probes and the liveness and readiness
// handlers served on the ops listener.
//
// Readiness for the scanner is All(store has a ruleset, shutdown gate open).
// [ShutdownGate] fails readiness as soon as shutdown starts so load balancers
// stop routing new scans while in-flight ones drain.
package health
