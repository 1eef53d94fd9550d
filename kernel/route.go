package kernel

import "net/netip"

// AddRoute installs prefix via gw on dev. A route that already exists is
// treated as installed.
func (k *Kernel) AddRoute(prefix netip.Prefix, gw netip.Addr, dev string) error {
	_, err := k.run("ip", "route", "add", prefix.String(), "via", gw.String(), "dev", dev)
	if err != nil && !alreadyExists(err) {
		return err
	}
	return nil
}

// AddDeviceRoute installs a directly connected route for addr on dev.
func (k *Kernel) AddDeviceRoute(addr netip.Addr, dev string) error {
	p := netip.PrefixFrom(addr, addr.BitLen())
	_, err := k.run("ip", "route", "add", p.String(), "dev", dev)
	if err != nil && !alreadyExists(err) {
		return err
	}
	return nil
}
