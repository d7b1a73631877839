// Package cryptoutil provides the digest helpers used for sample and
// ruleset identity: SHA-256 of fetched content, bounded hashing reads, and
// constant-time comparison of hex digests.
package cryptoutil
