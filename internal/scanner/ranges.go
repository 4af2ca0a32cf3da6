package scanner

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// MaxHosts bounds a single scan; a /20 is the largest accepted network.
const MaxHosts = 4094

var (
	ErrInvalidRange = errors.New("invalid IP range")
	ErrPublicRange  = errors.New("only private IP ranges are allowed")
	ErrIPv6         = errors.New("IPv6 scanning is not supported")
	ErrTooManyHosts = errors.New("range too large")
)

// 100.64.0.0/10 is where carrier-grade NAT puts home routers.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ParseRange expands a single address, a CIDR network or a dash range
// ("192.168.1.10-192.168.1.40") into host addresses. Network and broadcast
// addresses of a CIDR are skipped.
func ParseRange(s string) ([]netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRange)
	}

	switch {
	case strings.Contains(s, "-"):
		return parseDashRange(s)
	case strings.Contains(s, "/"):
		return parseCIDR(s)
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	if err := checkAddr(addr); err != nil {
		return nil, err
	}
	return []netip.Addr{addr}, nil
}

func parseCIDR(s string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	prefix = prefix.Masked()
	if err := checkAddr(prefix.Addr()); err != nil {
		return nil, err
	}

	hostBits := 32 - prefix.Bits()
	switch hostBits {
	case 0:
		return []netip.Addr{prefix.Addr()}, nil
	case 1:
		return hostsBetween(prefix.Addr(), prefix.Addr().Next()), nil
	}

	count := uint64(1)<<hostBits - 2
	if count > MaxHosts {
		return nil, fmt.Errorf("%w: network %s contains %d hosts, limit is %d", ErrTooManyHosts, prefix, count, MaxHosts)
	}
	first := prefix.Addr().Next()
	last := fromUint32(toUint32(prefix.Addr()) + uint32(count))
	return hostsBetween(first, last), nil
}

func parseDashRange(s string) ([]netip.Addr, error) {
	parts := strings.SplitN(s, "-", 2)
	start, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid IP in range %q", ErrInvalidRange, s)
	}
	end, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid IP in range %q", ErrInvalidRange, s)
	}
	for _, addr := range []netip.Addr{start, end} {
		if err := checkAddr(addr); err != nil {
			return nil, err
		}
	}
	if end.Less(start) {
		return nil, fmt.Errorf("%w: start IP must be <= end IP", ErrInvalidRange)
	}

	count := uint64(toUint32(end)-toUint32(start)) + 1
	if count > MaxHosts {
		return nil, fmt.Errorf("%w: range contains %d hosts, limit is %d", ErrTooManyHosts, count, MaxHosts)
	}
	// A short hop across a /24 boundary is fine; anything longer is almost
	// certainly a typo for a CIDR.
	if toUint32(start)>>8 != toUint32(end)>>8 && count > 254 {
		return nil, fmt.Errorf("%w: dash range spans multiple subnets, use CIDR notation", ErrTooManyHosts)
	}
	return hostsBetween(start, end), nil
}

func checkAddr(addr netip.Addr) error {
	if !addr.Is4() {
		return ErrIPv6
	}
	if !addr.IsPrivate() && !sharedAddressSpace.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrPublicRange, addr)
	}
	return nil
}

func hostsBetween(first, last netip.Addr) []netip.Addr {
	var hosts []netip.Addr
	for a := first; !last.Less(a); a = a.Next() {
		hosts = append(hosts, a)
		if a == last {
			break
		}
	}
	return hosts
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
