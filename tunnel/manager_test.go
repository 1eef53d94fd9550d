package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/types"
)

type fakeKernel struct {
	mu        sync.Mutex
	neighbors []kernel.Neighbor
	ifaces    int
	calls     int
	opened    []kernel.TunnelConfig
	openedCh  chan kernel.TunnelConfig
	failSetup bool
}

func (k *fakeKernel) TriggerNeighborDisc(devs []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
}

func (k *fakeKernel) GetNeighbors() ([]kernel.Neighbor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	return k.neighbors, nil
}

func (k *fakeKernel) GetLinkLocalReplyIP(dev string) (netip.Addr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	return netip.MustParseAddr("fe80::ff"), nil
}

func (k *fakeKernel) SetupWgIf() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	if k.failSetup {
		return "", errors.New("ip link add failed")
	}
	name := fmt.Sprintf("wg%d", k.ifaces)
	k.ifaces++
	return name, nil
}

func (k *fakeKernel) OpenTunnel(c kernel.TunnelConfig) error {
	k.mu.Lock()
	k.calls++
	k.opened = append(k.opened, c)
	ch := k.openedCh
	k.mu.Unlock()
	if ch != nil {
		ch <- c
	}
	return nil
}

func (k *fakeKernel) callCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls
}

type fakeGreeter struct {
	mu    sync.Mutex
	asked []netip.AddrPort
	fail  map[netip.Addr]bool
}

func (g *fakeGreeter) Hello(ctx context.Context, to netip.AddrPort, my types.LocalIdentity) (*types.LocalIdentity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked = append(g.asked, to)
	if g.fail[to.Addr().WithZone("")] {
		return nil, ErrTransport
	}
	return &types.LocalIdentity{
		Global: types.Identity{
			MeshIP:      netip.MustParseAddr("fd00::99"),
			WgPublicKey: types.NewPrivateKey().Public(),
		},
		LocalIP: to.Addr().WithZone(""),
		WgPort:  60000,
	}, nil
}

func testIdentity() types.Identity {
	return types.Identity{
		MeshIP:      netip.MustParseAddr("fd00::1"),
		WgPublicKey: types.NewPrivateKey().Public(),
	}
}

func newTestManager(k *fakeKernel, g Greeter) *Manager {
	return NewManager(Config{
		Identity:        testIdentity(),
		PrivateKeyPath:  "/etc/calmesh/private-key",
		StartPort:       60000,
		DiscoveryIfaces: []string{"eth0"},
	}, k, g, nil, nil)
}

func TestGetIfIdempotent(t *testing.T) {
	m := newTestManager(&fakeKernel{}, &fakeGreeter{})
	addr := netip.MustParseAddr("fe80::1")

	t1, err := m.GetIf(addr)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := m.GetIf(addr.WithZone("eth0"))
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Fatalf("expected same tunnel, got %+v and %+v", t1, t2)
	}
	if len(m.Tunnels()) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(m.Tunnels()))
	}
}

func TestGetIfConcurrentFirstContact(t *testing.T) {
	k := &fakeKernel{}
	m := newTestManager(k, &fakeGreeter{})
	addr := netip.MustParseAddr("fe80::1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetIf(addr); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if k.ifaces != 1 {
		t.Fatalf("expected a single interface, got %d", k.ifaces)
	}
}

func TestPortsStrictlyIncrease(t *testing.T) {
	k := &fakeKernel{}
	m := newTestManager(k, &fakeGreeter{})

	var last uint16
	for i := 1; i <= 10; i++ {
		tun, err := m.GetIf(netip.MustParseAddr(fmt.Sprintf("fe80::%x", i)))
		if err != nil {
			t.Fatal(err)
		}
		if i > 1 && tun.ListenPort <= last {
			t.Fatalf("port %d not greater than %d", tun.ListenPort, last)
		}
		last = tun.ListenPort
	}
}

func TestFailedSetupConsumesPort(t *testing.T) {
	k := &fakeKernel{failSetup: true}
	m := newTestManager(k, &fakeGreeter{})

	if _, err := m.GetIf(netip.MustParseAddr("fe80::1")); err == nil {
		t.Fatal("expected interface creation to fail")
	}
	if len(m.Tunnels()) != 0 {
		t.Fatal("failed tunnel was stored")
	}

	k.failSetup = false
	tun, err := m.GetIf(netip.MustParseAddr("fe80::1"))
	if err != nil {
		t.Fatal(err)
	}
	if tun.ListenPort != 60001 {
		t.Fatalf("expected port 60001 after a failed attempt, got %d", tun.ListenPort)
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	p := NewPortAllocator(65535)
	if port, err := p.Allocate(); err != nil || port != 65535 {
		t.Fatalf("unexpected allocation %d %v", port, err)
	}
	if _, err := p.Allocate(); !errors.Is(err, ErrNoAvailablePorts) {
		t.Fatalf("expected ErrNoAvailablePorts, got %v", err)
	}
}

func TestNeighborInquiryRejectsIPv4(t *testing.T) {
	k := &fakeKernel{}
	g := &fakeGreeter{}
	m := newTestManager(k, g)

	_, _, err := m.NeighborInquiry(context.Background(), netip.MustParseAddr("192.168.1.2"), "eth0")
	if !errors.Is(err, ErrUnsupportedPeer) {
		t.Fatalf("expected ErrUnsupportedPeer, got %v", err)
	}
	if k.callCount() != 0 {
		t.Fatalf("expected no kernel calls, got %d", k.callCount())
	}
	if len(g.asked) != 0 {
		t.Fatal("greeter was called")
	}

	_, _, err = m.NeighborInquiry(context.Background(), netip.MustParseAddr("fd00::5"), "eth0")
	if !errors.Is(err, ErrUnsupportedPeer) {
		t.Fatalf("expected ErrUnsupportedPeer for global address, got %v", err)
	}
}

func TestGetNeighborsFiltering(t *testing.T) {
	hw, _ := net.ParseMAC("00:11:22:33:44:55")
	k := &fakeKernel{
		neighbors: []kernel.Neighbor{
			{HWAddr: hw, Addr: netip.MustParseAddr("fe80::1"), Dev: "eth0"},
			{HWAddr: hw, Addr: netip.MustParseAddr("fe80::2"), Dev: "wg3"},
			{HWAddr: hw, Addr: netip.MustParseAddr("10.0.0.1"), Dev: "eth0"},
			{HWAddr: hw, Addr: netip.MustParseAddr("fd00::4"), Dev: "eth0"},
			{HWAddr: hw, Addr: netip.MustParseAddr("fe80::5"), Dev: "eth1"},
		},
	}
	g := &fakeGreeter{fail: map[netip.Addr]bool{netip.MustParseAddr("fe80::5"): true}}
	m := newTestManager(k, g)

	neighs, err := m.GetNeighbors(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(g.asked) != 2 {
		t.Fatalf("expected 2 hello exchanges, got %v", g.asked)
	}
	for _, to := range g.asked {
		if to.Port() != DefaultHelloPort {
			t.Fatalf("hello sent to port %d", to.Port())
		}
		if to.Addr().Zone() == "" {
			t.Fatalf("hello address %s has no zone", to)
		}
	}

	if len(neighs) != 1 {
		t.Fatalf("expected 1 neighbor, got %d", len(neighs))
	}
	if neighs[0].Identity.LocalIP != netip.MustParseAddr("fe80::1") || neighs[0].Dev != "eth0" {
		t.Fatalf("unexpected neighbor %+v", neighs[0])
	}
}

func TestSweepOpensTunnels(t *testing.T) {
	hw, _ := net.ParseMAC("00:11:22:33:44:55")
	k := &fakeKernel{
		neighbors: []kernel.Neighbor{
			{HWAddr: hw, Addr: netip.MustParseAddr("fe80::1"), Dev: "eth0"},
		},
	}
	m := newTestManager(k, &fakeGreeter{})

	opened, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if opened != 1 || len(k.opened) != 1 {
		t.Fatalf("expected 1 tunnel opened, got %d", opened)
	}

	c := k.opened[0]
	if c.Iface != "wg0" || c.ListenPort != 60000 {
		t.Fatalf("unexpected tunnel config %+v", c)
	}
	if c.Endpoint != netip.MustParseAddrPort("[fe80::1%eth0]:60000") {
		t.Fatalf("unexpected endpoint %s", c.Endpoint)
	}
	if c.OwnIP != netip.MustParseAddr("fd00::1") {
		t.Fatalf("unexpected own ip %s", c.OwnIP)
	}
}

func TestResolveDevice(t *testing.T) {
	m := newTestManager(&fakeKernel{}, &fakeGreeter{})

	dev, err := m.resolveDevice(netip.MustParseAddr("fe80::1%eth1"))
	if err != nil || dev != "eth1" {
		t.Fatalf("unexpected device %q %v", dev, err)
	}
	dev, err = m.resolveDevice(netip.MustParseAddr("fe80::1"))
	if err != nil || dev != "eth0" {
		t.Fatalf("unexpected fallback device %q %v", dev, err)
	}

	m.conf.DiscoveryIfaces = []string{"eth0", "eth1"}
	if _, err := m.resolveDevice(netip.MustParseAddr("fe80::1")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}
