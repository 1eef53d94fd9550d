package exit

import (
	"errors"
	"net/netip"
	"sync"

	"go4.org/netipx"
)

var ErrNoAvailableIps = errors.New("no free client addresses left in exit subnet")

// IPAM hands out client internal IPv4 addresses from the exit subnet.
type IPAM struct {
	mu sync.Mutex

	prefix    netip.Prefix
	allocated netipx.IPSetBuilder
	reserved  *netipx.IPSet
	last      netip.Addr
}

// NewIPAM reserves the network and broadcast addresses of prefix, the exit's
// own address, and every address in allocated.
func NewIPAM(prefix netip.Prefix, own netip.Addr, allocated []netip.Addr) (*IPAM, error) {
	prefix = prefix.Masked()

	var reserved netipx.IPSetBuilder
	reserved.Add(prefix.Addr())
	reserved.Add(netipx.PrefixLastIP(prefix))
	if own.IsValid() {
		reserved.Add(own)
	}
	rs, err := reserved.IPSet()
	if err != nil {
		return nil, err
	}

	i := &IPAM{
		prefix:   prefix,
		reserved: rs,
		last:     prefix.Addr(),
	}
	for _, ip := range allocated {
		if ip.IsValid() {
			i.allocated.Add(ip)
		}
	}
	return i, nil
}

func (i *IPAM) Prefix() netip.Prefix {
	return i.prefix
}

func (i *IPAM) Allocate() (netip.Addr, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	used, err := i.allocated.IPSet()
	if err != nil {
		return netip.Addr{}, err
	}

	// scan from the last allocation, wrapping once to pick up released
	// addresses
	for _, start := range []netip.Addr{i.last, i.prefix.Addr()} {
		for next := start.Next(); next.IsValid() && i.prefix.Contains(next); next = next.Next() {
			if used.Contains(next) || i.reserved.Contains(next) {
				continue
			}
			i.last = next
			i.allocated.Add(next)
			return next, nil
		}
	}
	return netip.Addr{}, ErrNoAvailableIps
}

func (i *IPAM) Release(ip netip.Addr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allocated.Remove(ip)
}

// ClientIPv6 embeds a client's internal IPv4 address in the low 32 bits of
// the client IPv6 prefix.
func ClientIPv6(prefix netip.Prefix, v4 netip.Addr) netip.Addr {
	b := prefix.Masked().Addr().As16()
	v := v4.As4()
	copy(b[12:], v[:])
	return netip.AddrFrom16(b)
}
