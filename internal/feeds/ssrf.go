package feeds

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrSSRF is returned when a fetch would reach a private or otherwise
// blocked network destination.
var ErrSSRF = errors.New("destination address not allowed")

// Address ranges blocked beyond what the net.IP predicates cover.
var blockedNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",      // "this network"
		"100.64.0.0/10",  // carrier-grade NAT
		"198.18.0.0/15",  // benchmarking
		"240.0.0.0/4",    // class E / reserved
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		blockedNets = append(blockedNets, n)
	}
}

// IsSafeIP reports whether connecting to ip is allowed. Private, loopback,
// link-local, multicast, unspecified, and reserved ranges are all rejected.
// IPv4-mapped IPv6 addresses are checked as their mapped IPv4 address.
func IsSafeIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	// To4 also unwraps IPv4-mapped IPv6, so ::ffff:10.0.0.1 lands here.
	if ip4 := ip.To4(); ip4 != nil {
		for _, n := range blockedNets {
			if n.Contains(ip4) {
				return false
			}
		}
	}
	return true
}

// validateHost rejects hosts that are literal IPs in a blocked range. Named
// hosts pass; their resolved addresses are checked at dial time.
func validateHost(host string) error {
	if ip := net.ParseIP(host); ip != nil && !IsSafeIP(ip) {
		return fmt.Errorf("host %s: %w", host, ErrSSRF)
	}
	return nil
}

// dialControl runs after DNS resolution for every connection attempt, so a
// hostname that resolves (or re-resolves) to a private address is rejected
// even if an earlier lookup looked safe.
func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial %s: unresolved address: %w", address, ErrSSRF)
	}
	if !IsSafeIP(ip) {
		return fmt.Errorf("dial %s: %w", address, ErrSSRF)
	}
	return nil
}
