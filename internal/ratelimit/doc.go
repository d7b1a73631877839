// Package ratelimit is per-client-IP token bucket middleware for the scan
// listener.
//
// It is in-memory and per-instance. Scans are CPU bound and hold a
// concurrency slot for their whole run, so a single client hammering
// /scan/content is throttled here before its body is read. It does not
// help against many distinct IPs; put a WAF or load balancer limit in front
// for that.
//
// The visitor map is capped. Once full, requests from unseen IPs are denied
// until the background sweep evicts idle entries.
package ratelimit
