package kernel

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Neighbor is one row of the kernel neighbor table.
type Neighbor struct {
	HWAddr net.HardwareAddr
	Addr   netip.Addr
	Dev    string
}

// TriggerNeighborDisc pings the all-nodes multicast group on each device so
// that every live neighbor lands in the neighbor table. Failures on one
// device do not stop the others.
func (k *Kernel) TriggerNeighborDisc(devs []string) {
	for _, dev := range devs {
		if _, err := k.run("ping6", "-c", "1", "-W", "1", "ff02::1%"+dev); err != nil {
			k.log.Debug("neighbor discovery ping failed", "dev", dev, "error", err)
		}
	}
}

// GetNeighbors parses `ip neighbor`. Rows without a hardware address are
// incomplete and skipped.
func (k *Kernel) GetNeighbors() ([]Neighbor, error) {
	out, err := k.run("ip", "neighbor")
	if err != nil {
		return nil, err
	}
	return parseNeighbors(out.Stdout)
}

func parseNeighbors(b []byte) ([]Neighbor, error) {
	var neighs []Neighbor
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 5 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		n := Neighbor{Addr: addr}
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "dev":
				n.Dev = fields[i+1]
			case "lladdr":
				hw, err := net.ParseMAC(fields[i+1])
				if err != nil {
					return nil, fmt.Errorf("parsing neighbor lladdr %q: %w", fields[i+1], err)
				}
				n.HWAddr = hw
			}
		}
		if n.Dev == "" || n.HWAddr == nil {
			continue
		}
		neighs = append(neighs, n)
	}
	return neighs, s.Err()
}

// GetLinkLocalReplyIP returns the link-local address of dev, which is the
// address neighbors on that link can reach us on.
func (k *Kernel) GetLinkLocalReplyIP(dev string) (netip.Addr, error) {
	out, err := k.run("ip", "-6", "address", "show", "dev", dev, "scope", "link")
	if err != nil {
		return netip.Addr{}, err
	}
	s := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 || fields[0] != "inet6" {
			continue
		}
		p, err := netip.ParsePrefix(fields[1])
		if err != nil {
			continue
		}
		if p.Addr().IsLinkLocalUnicast() {
			return p.Addr(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no link-local address on %s", dev)
}
