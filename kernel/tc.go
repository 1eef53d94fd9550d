package kernel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

const (
	rootHandle = "1:"
	flowRate   = "1000mbit"
)

// MinFlowNetmask is the widest exit subnet FlowID keeps collision free.
const MinFlowNetmask = 16

var ErrInvalidFlow = errors.New("address has no valid flow class")

// Flows is the set of HTB class ids present on an interface.
type Flows map[string]struct{}

// HasLimit reports whether the root HTB qdisc is installed on dev.
func (k *Kernel) HasLimit(dev string) (bool, error) {
	out, err := k.run("tc", "qdisc", "show", "dev", dev)
	if err != nil {
		return false, err
	}
	s := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) >= 3 && fields[0] == "qdisc" && fields[1] == "htb" && fields[2] == rootHandle {
			return true, nil
		}
	}
	return false, s.Err()
}

// CreateRootClassfulLimit installs the root HTB qdisc that per-client classes
// hang off. Running it while classes exist would drop them.
func (k *Kernel) CreateRootClassfulLimit(dev string) error {
	_, err := k.run("tc", "qdisc", "add", "dev", dev, "root", "handle", rootHandle, "htb", "default", "0")
	return err
}

// GetFlows lists the HTB classes on dev.
func (k *Kernel) GetFlows(dev string) (Flows, error) {
	out, err := k.run("tc", "class", "show", "dev", dev)
	if err != nil {
		return nil, err
	}
	flows := make(Flows)
	s := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) >= 3 && fields[0] == "class" {
			flows[fields[2]] = struct{}{}
		}
	}
	return flows, s.Err()
}

// FlowID derives the HTB class id of an IPv4 client address from its last
// two octets. Ids are unique only within a /16 or narrower subnet.
func FlowID(addr netip.Addr) string {
	b := addr.As4()
	return fmt.Sprintf("%s%x", rootHandle, uint16(b[2])<<8|uint16(b[3]))
}

func HasFlow(addr netip.Addr, flows Flows) bool {
	_, ok := flows[FlowID(addr)]
	return ok
}

// CreateFlowByIP adds an HTB class for addr and steers its traffic into it.
func (k *Kernel) CreateFlowByIP(dev string, addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("flow address %s is not ipv4", addr)
	}
	if b := addr.As4(); b[2] == 0 && b[3] == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFlow, addr)
	}
	id := FlowID(addr)
	_, err := k.run("tc", "class", "add", "dev", dev, "parent", rootHandle,
		"classid", id, "htb", "rate", flowRate, "ceil", flowRate)
	if err != nil {
		return err
	}
	_, err = k.run("tc", "filter", "add", "dev", dev, "parent", rootHandle,
		"protocol", "ip", "prio", "1", "u32",
		"match", "ip", "dst", addr.String()+"/32", "flowid", id)
	return err
}
