package exit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/caldog20/calmesh/dao"
	"github.com/caldog20/calmesh/events"
	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/kernel/kerneltest"
	"github.com/caldog20/calmesh/store"
	"github.com/caldog20/calmesh/types"
)

type fakeAuthorizer struct {
	mu     sync.Mutex
	status map[types.PublicKey]dao.Status
}

func (a *fakeAuthorizer) CheckCache(ctx context.Context, id types.Identity) (dao.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.status[id.WgPublicKey]; ok {
		return s, nil
	}
	return dao.StatusUnknown, nil
}

func (a *fakeAuthorizer) set(key types.PublicKey, s dao.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status[key] = s
}

var registryConfig = RegistryConfig{
	Identity: types.Identity{
		MeshIP:      netip.MustParseAddr("fd10::1"),
		WgPublicKey: types.NewPrivateKey().Public(),
	},
	WgPort:         59999,
	OwnInternalIP:  netip.MustParseAddr("172.168.0.1"),
	Netmask:        16,
	ClientSubnetV6: netip.MustParsePrefix("fd01::/64"),
}

func registration(mesh string) types.ExitRegistration {
	return types.ExitRegistration{
		Global: types.Identity{
			MeshIP:      netip.MustParseAddr(mesh),
			WgPublicKey: types.NewPrivateKey().Public(),
		},
		WgPort: 51820,
	}
}

func TestIPAM(t *testing.T) {
	ipam, err := NewIPAM(netip.MustParsePrefix("10.0.0.0/30"), netip.MustParseAddr("10.0.0.1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := ipam.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if ip != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("unexpected address %s", ip)
	}
	if _, err := ipam.Allocate(); !errors.Is(err, ErrNoAvailableIps) {
		t.Fatalf("expected ErrNoAvailableIps, got %v", err)
	}

	ipam.Release(ip)
	again, err := ipam.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if again != ip {
		t.Fatalf("released address not reused, got %s", again)
	}
}

func TestIPAMSkipsAllocated(t *testing.T) {
	allocated := []netip.Addr{netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.3")}
	ipam, err := NewIPAM(netip.MustParsePrefix("10.0.0.1/24"), netip.MustParseAddr("10.0.0.1"), allocated)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := ipam.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if ip != netip.MustParseAddr("10.0.0.4") {
		t.Fatalf("unexpected address %s", ip)
	}
}

func TestClientIPv6(t *testing.T) {
	got := ClientIPv6(netip.MustParsePrefix("fd01::/64"), netip.MustParseAddr("172.168.0.2"))
	if got != netip.MustParseAddr("fd01::aca8:2") {
		t.Fatalf("unexpected client ipv6 %s", got)
	}
}

func TestRegister(t *testing.T) {
	auth := &fakeAuthorizer{status: map[types.PublicKey]dao.Status{}}
	reg, err := NewRegistry(registryConfig, store.NewMapStore(), auth, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := registration("fd10::2")

	reply, err := reg.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.State != types.ExitStatePending {
		t.Fatalf("expected pending while authorization is unknown, got %s", reply.State)
	}

	auth.set(req.Global.WgPublicKey, dao.StatusAuthorized)
	reply, err = reg.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.State != types.ExitStateRegistered || reply.Details == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Details.OwnLocalIP != netip.MustParseAddr("172.168.0.2") ||
		reply.Details.ServerLocalIP != registryConfig.OwnInternalIP ||
		reply.Details.WgPort != registryConfig.WgPort {
		t.Fatalf("unexpected details %+v", reply.Details)
	}

	// registering again keeps the address
	again, err := reg.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if again.Details.OwnLocalIP != reply.Details.OwnLocalIP {
		t.Fatalf("address changed on re-registration: %s", again.Details.OwnLocalIP)
	}

	denied := registration("fd10::3")
	auth.set(denied.Global.WgPublicKey, dao.StatusDenied)
	reply, err = reg.Register(context.Background(), denied)
	if err != nil {
		t.Fatal(err)
	}
	if reply.State != types.ExitStateDenied {
		t.Fatalf("expected denied, got %s", reply.State)
	}
}

func TestRegisterInvalid(t *testing.T) {
	reg, err := NewRegistry(registryConfig, store.NewMapStore(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := registration("fd10::2")
	req.Global.MeshIP = netip.MustParseAddr("10.1.1.1")
	if _, err := reg.Register(context.Background(), req); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
}

func TestRegistryRejectsWideSubnet(t *testing.T) {
	conf := registryConfig
	conf.Netmask = 15
	if _, err := NewRegistry(conf, store.NewMapStore(), nil, nil); err == nil {
		t.Fatal("expected a /15 exit subnet to be rejected")
	}
}

func TestRegistryClientsFiltersUnauthorized(t *testing.T) {
	auth := &fakeAuthorizer{status: map[types.PublicKey]dao.Status{}}
	reg, err := NewRegistry(registryConfig, store.NewMapStore(), auth, nil)
	if err != nil {
		t.Fatal(err)
	}

	a := registration("fd10::2")
	b := registration("fd10::3")
	auth.set(a.Global.WgPublicKey, dao.StatusAuthorized)
	auth.set(b.Global.WgPublicKey, dao.StatusAuthorized)
	for _, req := range []types.ExitRegistration{a, b} {
		if _, err := reg.Register(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}

	auth.set(b.Global.WgPublicKey, dao.StatusDenied)
	clients, err := reg.Clients(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 || clients[0].PublicKey != a.Global.WgPublicKey {
		t.Fatalf("unexpected authorized set %+v", clients)
	}
	if clients[0].InternalIPv6 != ClientIPv6(registryConfig.ClientSubnetV6, clients[0].InternalIP) {
		t.Fatalf("unexpected client ipv6 %s", clients[0].InternalIPv6)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestClientTunnelAgainstRegistry(t *testing.T) {
	reg, err := NewRegistry(registryConfig, store.NewMapStore(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ap := netip.MustParseAddrPort(strings.TrimPrefix(ts.URL, "http://"))
	r := kerneltest.NewRunner()
	rec := &recorder{}
	client := NewClientTunnel(ClientConfig{
		Identity:         registration("fd10::2").Global,
		ExitMeshIP:       ap.Addr(),
		RegistrationPort: ap.Port(),
		WgListenPort:     59998,
		PrivateKeyPath:   "/etc/calmesh/private-key",
		LanNics:          []string{"br-lan"},
	}, kernel.New(r, nil), rec, nil)

	if err := client.Setup(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered before registration, got %v", err)
	}

	if err := client.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.State() != types.ExitStateRegistered {
		t.Fatalf("unexpected state %s", client.State())
	}

	sets := r.CallsWithPrefix("wg set wg_exit")
	if len(sets) != 1 || !strings.Contains(sets[0], "peer "+registryConfig.Identity.WgPublicKey.String()) ||
		!strings.Contains(sets[0], "allowed-ips 0.0.0.0/0") {
		t.Fatalf("unexpected client tunnel config %v", sets)
	}
	if len(r.CallsWithPrefix("ip address add 172.168.0.2/16 dev wg_exit")) != 1 {
		t.Fatalf("internal address not assigned: %v", r.Calls())
	}
	if len(r.CallsWithPrefix("ip route add 172.168.0.1/32 dev wg_exit")) != 1 {
		t.Fatalf("route to exit not installed: %v", r.Calls())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Type != events.Watch {
		t.Fatalf("expected a watch event, got %+v", rec.events)
	}
	if rec.events[0].Identity.WgPublicKey != registryConfig.Identity.WgPublicKey {
		t.Fatal("watch event names the wrong exit")
	}
}

func TestClientTunnelSetsUpOnce(t *testing.T) {
	reg, err := NewRegistry(registryConfig, store.NewMapStore(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ap := netip.MustParseAddrPort(strings.TrimPrefix(ts.URL, "http://"))
	r := kerneltest.NewRunner()
	rec := &recorder{}
	client := NewClientTunnel(ClientConfig{
		Identity:         registration("fd10::2").Global,
		ExitMeshIP:       ap.Addr(),
		RegistrationPort: ap.Port(),
		WgListenPort:     59998,
		PrivateKeyPath:   "/etc/calmesh/private-key",
	}, kernel.New(r, nil), rec, nil)

	for i := 0; i < 3; i++ {
		if err := client.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(r.CallsWithPrefix("wg set wg_exit")); n != 1 {
		t.Fatalf("expected tunnel configured once over 3 ticks, got %d", n)
	}
	rec.mu.Lock()
	watches := len(rec.events)
	rec.mu.Unlock()
	if watches != 1 {
		t.Fatalf("expected 1 watch event over 3 ticks, got %d", watches)
	}

	// new details from the exit bring the tunnel up again
	client.mu.Lock()
	changed := *client.details
	changed.WgPort++
	client.details = &changed
	client.mu.Unlock()

	if err := client.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(r.CallsWithPrefix("wg set wg_exit")); n != 2 {
		t.Fatalf("expected tunnel reconfigured after details changed, got %d", n)
	}
}
