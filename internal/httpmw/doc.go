// Package httpmw provides HTTP middleware for the public scan listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, rate limiting, OTel tracing, ruleset
// headers, trace headers, metrics, request logger, then the chi router with
// route annotation, access log and body limit.
//
// Request bodies are samples under analysis and never reach a log line.
// Query strings are dropped too since fetch URLs may carry presigned tokens.
package httpmw
