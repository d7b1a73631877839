// Package acquire turns a scan request into the bytes to scan: the body as
// submitted, the first entry of a zip archive, or a remote payload fetched
// over HTTP(S) or from S3, optionally unzipped.
//
// Every failure is an [*Error] tagged with the [Stage] that produced it so
// transports can map it to a status code.
package acquire
