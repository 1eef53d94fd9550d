package kernel

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
)

const (
	TunnelPrefix  = "wg"
	ExitInterface = "wg_exit"
)

var (
	linkLineRE   = regexp.MustCompile(`^\d+:\s+([^:@\s]+)[@:]`)
	tunnelNameRE = regexp.MustCompile(`^wg[0-9]+$`)
)

// GetInterfaces lists the names of all links.
func (k *Kernel) GetInterfaces() ([]string, error) {
	out, err := k.run("ip", "link", "show")
	if err != nil {
		return nil, err
	}

	var names []string
	s := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for s.Scan() {
		m := linkLineRE.FindStringSubmatch(s.Text())
		if m != nil {
			names = append(names, m[1])
		}
	}
	return names, s.Err()
}

// SetupWgIf creates the lowest numbered wgN interface not already present
// and returns its name.
func (k *Kernel) SetupWgIf() (string, error) {
	names, err := k.GetInterfaces()
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[n] = true
	}

	var name string
	for i := 0; ; i++ {
		name = TunnelPrefix + strconv.Itoa(i)
		if !taken[name] {
			break
		}
	}

	if err := k.SetupWgIfNamed(name); err != nil {
		return "", err
	}
	return name, nil
}

func (k *Kernel) SetupWgIfNamed(name string) error {
	_, err := k.run("ip", "link", "add", name, "type", "wireguard")
	if err != nil && !alreadyExists(err) {
		return err
	}
	return nil
}

func (k *Kernel) DelInterface(name string) error {
	_, err := k.run("ip", "link", "del", name)
	return err
}

// AddAddress assigns prefix to dev. An address that is already assigned is
// not an error.
func (k *Kernel) AddAddress(dev string, prefix netip.Prefix) error {
	_, err := k.run("ip", "address", "add", prefix.String(), "dev", dev)
	if err != nil && !alreadyExists(err) {
		return err
	}
	return nil
}

func (k *Kernel) SetMTU(dev string, mtu int) error {
	_, err := k.runStrict("ip", "link", "set", "dev", dev, "mtu", strconv.Itoa(mtu))
	if err != nil {
		return fmt.Errorf("setting mtu on %s: %w", dev, err)
	}
	return nil
}

func (k *Kernel) SetLinkUp(dev string) error {
	_, err := k.runStrict("ip", "link", "set", "dev", dev, "up")
	if err != nil {
		return fmt.Errorf("setting %s up: %w", dev, err)
	}
	return nil
}

// CleanupTunnels deletes per-hop tunnels and the exit tunnel left over from a
// previous run. Deletion failures are logged only.
func (k *Kernel) CleanupTunnels() error {
	names, err := k.GetInterfaces()
	if err != nil {
		return err
	}
	for _, name := range names {
		if !tunnelNameRE.MatchString(name) && name != ExitInterface {
			continue
		}
		if err := k.DelInterface(name); err != nil {
			k.log.Warn("failed to delete stale tunnel", "iface", name, "error", err)
			continue
		}
		k.log.Info("deleted stale tunnel", "iface", name)
	}
	return nil
}
