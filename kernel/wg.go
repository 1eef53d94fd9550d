package kernel

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/caldog20/calmesh/types"
)

const PersistentKeepalive = 5

// TunnelConfig binds a per-hop tunnel to one neighbor.
type TunnelConfig struct {
	Iface          string
	ListenPort     uint16
	Endpoint       netip.AddrPort
	PeerKey        types.PublicKey
	PrivateKeyPath string
	OwnIP          netip.Addr
}

// OpenTunnel configures iface to talk to a single neighbor. All traffic may
// flow through the peer (allowed-ips ::/0); the mesh routing daemon picks
// which tunnel is actually used.
func (k *Kernel) OpenTunnel(c TunnelConfig) error {
	_, err := k.run("wg", "set", c.Iface,
		"listen-port", strconv.Itoa(int(c.ListenPort)),
		"private-key", c.PrivateKeyPath,
		"peer", c.PeerKey.String(),
		"endpoint", c.Endpoint.String(),
		"allowed-ips", "::/0",
		"persistent-keepalive", strconv.Itoa(PersistentKeepalive),
	)
	if err != nil {
		return err
	}

	if c.OwnIP.IsValid() {
		if err := k.AddAddress(c.Iface, netip.PrefixFrom(c.OwnIP, c.OwnIP.BitLen())); err != nil {
			return err
		}
	}

	return k.SetLinkUp(c.Iface)
}

// ExitPeerArgs builds the single batched wg invocation that configures every
// client of the exit tunnel. Clients must already be deduplicated.
func ExitPeerArgs(iface string, listenPort uint16, privateKeyPath string, clients []types.ExitClient, clientNetmaskV6 int) []string {
	args := []string{
		"set", iface,
		"listen-port", strconv.Itoa(int(listenPort)),
		"private-key", privateKeyPath,
	}
	for _, c := range clients {
		args = append(args,
			"peer", c.PublicKey.String(),
			"endpoint", netip.AddrPortFrom(c.MeshIP, c.Port).String(),
			"allowed-ips", fmt.Sprintf("%s/32,%s/%d", c.InternalIP, c.InternalIPv6, clientNetmaskV6),
			"persistent-keepalive", strconv.Itoa(PersistentKeepalive),
		)
	}
	return args
}

// SetExitPeers submits the batched peer configuration. wg set only touches the
// named peers, so resubmitting an unchanged set leaves correct peers alone.
func (k *Kernel) SetExitPeers(iface string, listenPort uint16, privateKeyPath string, clients []types.ExitClient, clientNetmaskV6 int) error {
	_, err := k.run("wg", ExitPeerArgs(iface, listenPort, privateKeyPath, clients, clientNetmaskV6)...)
	return err
}

// GetPeers returns the public keys currently configured on iface.
func (k *Kernel) GetPeers(iface string) ([]types.PublicKey, error) {
	out, err := k.run("wg", "show", iface, "peers")
	if err != nil {
		return nil, err
	}

	var keys []types.PublicKey
	s := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		key, err := types.ParsePublicKey(line)
		if err != nil {
			return nil, fmt.Errorf("parsing wg peer %q: %w", line, err)
		}
		keys = append(keys, key)
	}
	return keys, s.Err()
}

func (k *Kernel) RemovePeer(iface string, key types.PublicKey) error {
	_, err := k.run("wg", "set", iface, "peer", key.String(), "remove")
	return err
}

// ClientExitConfig is the client side of an exit tunnel.
type ClientExitConfig struct {
	Endpoint       netip.AddrPort
	ExitKey        types.PublicKey
	PrivateKeyPath string
	ListenPort     uint16
	InternalIP     netip.Addr
	Netmask        int
}

// SetClientExitTunnel points wg_exit at the exit server and assigns the
// client's internal address.
func (k *Kernel) SetClientExitTunnel(c ClientExitConfig) error {
	_, err := k.run("wg", "set", ExitInterface,
		"listen-port", strconv.Itoa(int(c.ListenPort)),
		"private-key", c.PrivateKeyPath,
		"peer", c.ExitKey.String(),
		"endpoint", c.Endpoint.String(),
		"allowed-ips", "0.0.0.0/0",
		"persistent-keepalive", strconv.Itoa(PersistentKeepalive),
	)
	if err != nil {
		return err
	}
	if err := k.AddAddress(ExitInterface, netip.PrefixFrom(c.InternalIP, c.Netmask)); err != nil {
		return err
	}
	return k.SetLinkUp(ExitInterface)
}
