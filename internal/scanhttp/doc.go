// Package scanhttp serves the scan and rules endpoints on the public
// listener. Every scan request, whether it matched, failed to fetch or
// failed to unzip, is answered with a scan.Result body; only malformed
// requests get a bare {"error": ...}.
package scanhttp
