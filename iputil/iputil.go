package iputil

import (
	"bytes"
	"math/big"
	"net"

	"github.com/pkg/errors"
)

// Family identifies the address family of an IP.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// FamilyOf reports whether the IP is IPv4 or IPv6.
func FamilyOf(ip net.IP) Family {
	if ip.To4() != nil {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Canonical returns the 4-byte form for IPv4 addresses and the 16-byte form
// otherwise.
func Canonical(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// ToInt converts an IP to its integer value within its family.
func ToInt(ip net.IP) *big.Int {
	return new(big.Int).SetBytes(Canonical(ip))
}

// FromInt converts an integer back to an IP of the given family, padding
// leading zero bytes as needed.
func FromInt(v *big.Int, family Family) net.IP {
	size := net.IPv6len
	if family == FamilyIPv4 {
		size = net.IPv4len
	}
	raw := v.Bytes()
	if len(raw) > size {
		raw = raw[len(raw)-size:]
	}
	ip := make(net.IP, size)
	copy(ip[size-len(raw):], raw)
	return ip
}

// Compare orders two IPs of the same family numerically.
func Compare(a, b net.IP) int {
	return bytes.Compare(Canonical(a), Canonical(b))
}

// Broadcast returns the highest address of the network.
func Broadcast(network *net.IPNet) net.IP {
	ip := Canonical(network.IP)
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] | ^network.Mask[i]
	}
	return out
}

// RangeSize returns end-start+1 for an inclusive range.
func RangeSize(start, end net.IP) *big.Int {
	size := new(big.Int).Sub(ToInt(end), ToInt(start))
	return size.Add(size, big.NewInt(1))
}

// ValidateRange checks that both ends parse, share a family and are ordered.
func ValidateRange(startIP, endIP string) (net.IP, net.IP, error) {
	start := net.ParseIP(startIP)
	if start == nil {
		return nil, nil, errors.Errorf("invalid ip %q", startIP)
	}
	end := net.ParseIP(endIP)
	if end == nil {
		return nil, nil, errors.Errorf("invalid ip %q", endIP)
	}
	if FamilyOf(start) != FamilyOf(end) {
		return nil, nil, errors.Errorf("mixed address families in range %s-%s", startIP, endIP)
	}
	if Compare(start, end) > 0 {
		return nil, nil, errors.Errorf("range start %s after end %s", startIP, endIP)
	}
	return Canonical(start), Canonical(end), nil
}
