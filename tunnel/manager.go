// Package tunnel turns neighbors visible on the local link into per-peer
// WireGuard tunnels with a known peer identity.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/types"
)

const (
	DefaultHelloPort    = 4876
	DefaultHelloTimeout = 5 * time.Second
	DefaultMaxInquiries = 16
)

var (
	ErrUnsupportedPeer = errors.New("unsupported peer address: only ipv6 link-local neighbors are supported")
	ErrTransport       = errors.New("hello transport error")
	ErrProtocol        = errors.New("hello protocol error")
	ErrUnknownDevice   = errors.New("cannot determine discovery device")
)

// Kernel is the part of the kernel adapter the tunnel manager drives.
type Kernel interface {
	TriggerNeighborDisc(devs []string)
	GetNeighbors() ([]kernel.Neighbor, error)
	GetLinkLocalReplyIP(dev string) (netip.Addr, error)
	SetupWgIf() (string, error)
	OpenTunnel(c kernel.TunnelConfig) error
}

// Greeter performs the outbound half of the hello exchange.
type Greeter interface {
	Hello(ctx context.Context, to netip.AddrPort, my types.LocalIdentity) (*types.LocalIdentity, error)
}

// Monitor registers a tunnel interface with the route quality monitor.
type Monitor interface {
	Monitor(iface string) error
}

type Tunnel struct {
	Iface      string
	ListenPort uint16
	Peer       netip.Addr
}

// Neighbor is a neighbor that answered the hello exchange.
type Neighbor struct {
	Identity types.LocalIdentity
	Iface    string
	Dev      string
}

type Config struct {
	Identity        types.Identity
	PrivateKeyPath  string
	StartPort       uint16
	DiscoveryIfaces []string
	HelloPort       uint16
	MaxInquiries    int
}

type Manager struct {
	ki      Kernel
	greeter Greeter
	monitor Monitor
	conf    Config
	log     *slog.Logger

	// mu serializes tunnel resolution so that concurrent first contact with
	// one peer allocates a single tunnel.
	mu      sync.Mutex
	tunnels map[netip.Addr]Tunnel
	ports   *PortAllocator
}

func NewManager(conf Config, ki Kernel, greeter Greeter, monitor Monitor, logger *slog.Logger) *Manager {
	if conf.HelloPort == 0 {
		conf.HelloPort = DefaultHelloPort
	}
	if conf.MaxInquiries <= 0 {
		conf.MaxInquiries = DefaultMaxInquiries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ki:      ki,
		greeter: greeter,
		monitor: monitor,
		conf:    conf,
		log:     logger.With("component", "tunnel"),
		tunnels: make(map[netip.Addr]Tunnel),
		ports:   NewPortAllocator(conf.StartPort),
	}
}

func isLinkLocal(addr netip.Addr) bool {
	return addr.Is6() && !addr.Is4In6() && addr.IsLinkLocalUnicast()
}

// GetNeighbors discovers link-local neighbors and runs one hello exchange per
// candidate concurrently. It returns once every exchange has finished;
// failed exchanges are logged and left out.
func (m *Manager) GetNeighbors(ctx context.Context) ([]Neighbor, error) {
	m.ki.TriggerNeighborDisc(m.conf.DiscoveryIfaces)

	neighs, err := m.ki.GetNeighbors()
	if err != nil {
		return nil, err
	}

	var candidates []kernel.Neighbor
	for _, n := range neighs {
		m.log.Debug("neighbor", "dev", n.Dev, "ip", n.Addr, "mac", n.HWAddr)
		if strings.HasPrefix(n.Dev, kernel.TunnelPrefix) || !isLinkLocal(n.Addr) {
			continue
		}
		candidates = append(candidates, n)
	}

	results := make([]*Neighbor, len(candidates))
	var g errgroup.Group
	g.SetLimit(m.conf.MaxInquiries)
	for i, n := range candidates {
		g.Go(func() error {
			id, iface, err := m.NeighborInquiry(ctx, n.Addr, n.Dev)
			if err != nil {
				m.log.Warn("neighbor inquiry failed", "ip", n.Addr, "dev", n.Dev, "error", err)
				return nil
			}
			results[i] = &Neighbor{Identity: *id, Iface: iface, Dev: n.Dev}
			return nil
		})
	}
	_ = g.Wait()

	var out []Neighbor
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// NeighborInquiry says hello to one neighbor and returns its identity along
// with the name of the tunnel allocated for it.
func (m *Manager) NeighborInquiry(ctx context.Context, addr netip.Addr, dev string) (*types.LocalIdentity, string, error) {
	if !isLinkLocal(addr) {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedPeer, addr)
	}

	t, err := m.GetIf(addr)
	if err != nil {
		return nil, "", err
	}

	localIP, err := m.ki.GetLinkLocalReplyIP(dev)
	if err != nil {
		return nil, "", err
	}

	my := types.LocalIdentity{
		Global:  m.conf.Identity,
		LocalIP: localIP,
		WgPort:  t.ListenPort,
	}

	to := netip.AddrPortFrom(addr.WithZone(dev), m.conf.HelloPort)
	m.log.Debug("saying hello", "to", to)
	their, err := m.greeter.Hello(ctx, to, my)
	if err != nil {
		return nil, "", err
	}
	return their, t.Iface, nil
}

// GetIf returns the tunnel for addr, creating it on first contact.
func (m *Manager) GetIf(addr netip.Addr) (Tunnel, error) {
	addr = addr.WithZone("")

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tunnels[addr]; ok {
		m.log.Debug("found existing tunnel", "ip", addr, "iface", t.Iface)
		return t, nil
	}

	m.log.Debug("creating new tunnel", "ip", addr)
	t, err := m.newIf(addr)
	if err != nil {
		return Tunnel{}, err
	}
	m.tunnels[addr] = t
	return t, nil
}

// newIf must be called with m.mu held. The port is consumed even when
// creating the interface fails.
func (m *Manager) newIf(addr netip.Addr) (Tunnel, error) {
	port, err := m.ports.Allocate()
	if err != nil {
		return Tunnel{}, err
	}
	iface, err := m.ki.SetupWgIf()
	if err != nil {
		return Tunnel{}, fmt.Errorf("creating tunnel for %s: %w", addr, err)
	}
	return Tunnel{Iface: iface, ListenPort: port, Peer: addr}, nil
}

// GetLocalIdentity answers an inbound hello from requester received on dev.
func (m *Manager) GetLocalIdentity(requester types.LocalIdentity, dev string) (*types.LocalIdentity, error) {
	if !isLinkLocal(requester.LocalIP) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPeer, requester.LocalIP)
	}

	t, err := m.GetIf(requester.LocalIP)
	if err != nil {
		return nil, err
	}

	localIP, err := m.ki.GetLinkLocalReplyIP(dev)
	if err != nil {
		return nil, err
	}

	return &types.LocalIdentity{
		Global:  m.conf.Identity,
		LocalIP: localIP,
		WgPort:  t.ListenPort,
	}, nil
}

// OpenTunnel binds the peer's tunnel to its endpoint and key and hands the
// interface to the route quality monitor.
func (m *Manager) OpenTunnel(their types.LocalIdentity, dev string) error {
	t, err := m.GetIf(their.LocalIP)
	if err != nil {
		return err
	}

	err = m.ki.OpenTunnel(kernel.TunnelConfig{
		Iface:          t.Iface,
		ListenPort:     t.ListenPort,
		Endpoint:       netip.AddrPortFrom(their.LocalIP.WithZone(dev), their.WgPort),
		PeerKey:        their.Global.WgPublicKey,
		PrivateKeyPath: m.conf.PrivateKeyPath,
		OwnIP:          m.conf.Identity.MeshIP,
	})
	if err != nil {
		return fmt.Errorf("opening tunnel %s to %s: %w", t.Iface, their.Global.MeshIP, err)
	}

	if m.monitor != nil {
		if err := m.monitor.Monitor(t.Iface); err != nil {
			m.log.Warn("failed to register tunnel with route monitor", "iface", t.Iface, "error", err)
		}
	}
	return nil
}

// Sweep runs one discovery pass and opens a tunnel to every neighbor that
// answered. It returns the number of tunnels opened.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	neighs, err := m.GetNeighbors(ctx)
	if err != nil {
		return 0, err
	}
	opened := 0
	for _, n := range neighs {
		if err := m.OpenTunnel(n.Identity, n.Dev); err != nil {
			m.log.Warn("failed to open tunnel", "peer", n.Identity.Global, "error", err)
			continue
		}
		opened++
	}
	return opened, nil
}

// Tunnels returns a snapshot of the tunnel map ordered by listen port.
func (m *Manager) Tunnels() []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenPort < out[j].ListenPort })
	return out
}

// resolveDevice picks the device a request arrived on. Without a zone on the
// remote address it falls back to the only discovery interface, if there is
// exactly one.
func (m *Manager) resolveDevice(remote netip.Addr) (string, error) {
	if z := remote.Zone(); z != "" {
		return z, nil
	}
	if len(m.conf.DiscoveryIfaces) == 1 {
		return m.conf.DiscoveryIfaces[0], nil
	}
	return "", ErrUnknownDevice
}
