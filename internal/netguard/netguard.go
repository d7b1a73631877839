// Package netguard classifies addresses as public or not, for listeners that
// must only serve internal peers and for clients that must only dial out to
// the public internet.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrDenied is returned by Control for a non-public destination.
var ErrDenied = errors.New("destination is not a public address")

// NonPublic reports whether addr is loopback, private, link-local or
// unspecified. IPv4-mapped IPv6 addresses are judged as IPv4.
func NonPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}

// NonPublicHostPort is NonPublic for a "host:port" string such as
// http.Request.RemoteAddr. Anything unparseable is not considered non-public.
func NonPublicHostPort(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return NonPublic(addr)
}

// Control is a net.Dialer Control func that refuses non-public destinations.
// It runs after name resolution, so it sees the address actually dialed,
// including on redirects.
func Control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable address %q", ErrDenied, address)
	}
	if NonPublic(ap.Addr()) {
		return fmt.Errorf("%w: %s %s", ErrDenied, network, ap.Addr())
	}
	return nil
}
