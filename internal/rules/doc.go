// Package rules compiles a directory of YARA rule files and holds the result
// for concurrent scanning.
//
// The core components are:
//   - [Compile]: turns every .yar file in a directory into one [Ruleset]
//   - [Store]: publishes the active ruleset through an atomic pointer so
//     scans never block on a reload
//   - [Watcher]: optionally recompiles when the directory changes
//
// A Ruleset is immutable once published. A scan that loaded one keeps using
// it for its whole duration even if a reload swaps in a newer ruleset; the
// old one is released by the GC once nothing references it.
package rules
