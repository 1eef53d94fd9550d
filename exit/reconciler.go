// Package exit runs the exit side of the mesh: it keeps the shared wg_exit
// interface in line with the set of authorized clients and registers new
// clients. It also holds the client side of an exit tunnel.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/types"
)

// MTU leaves room for the encapsulation overhead below the smallest path MTU.
const MTU = 1340

var ErrPassInProgress = errors.New("exit reconcile pass already in progress")

// Kernel is the part of the kernel adapter the exit server drives.
type Kernel interface {
	SetupWgIfNamed(name string) error
	AddAddress(dev string, prefix netip.Prefix) error
	SetMTU(dev string, mtu int) error
	SetLinkUp(dev string) error
	HasLimit(dev string) (bool, error)
	CreateRootClassfulLimit(dev string) error
	SetExitPeers(iface string, listenPort uint16, privateKeyPath string, clients []types.ExitClient, clientNetmaskV6 int) error
	AddRoute(prefix netip.Prefix, gw netip.Addr, dev string) error
	GetPeers(iface string) ([]types.PublicKey, error)
	RemovePeer(iface string, key types.PublicKey) error
	GetFlows(dev string) (kernel.Flows, error)
	CreateFlowByIP(dev string, addr netip.Addr) error
	EnsureIptablesRule(table, chain string, rule ...string) (bool, error)
}

type Config struct {
	ListenPort      uint16
	PrivateKeyPath  string
	OwnInternalIP   netip.Addr
	OwnInternalIPv6 netip.Addr
	Netmask         int
	ClientNetmaskV6 int
	ExternalIface   string
}

// PassReport describes what one reconcile pass changed. Err aggregates the
// per-client failures that did not stop the pass.
type PassReport struct {
	Peers        int
	Routes       int
	Removed      []types.PublicKey
	FlowsCreated []netip.Addr
	Err          error
}

type Reconciler struct {
	ki      Kernel
	conf    Config
	log     *slog.Logger
	running atomic.Bool
}

func NewReconciler(conf Config, ki Kernel, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ki:   ki,
		conf: conf,
		log:  logger.With("component", "exit"),
	}
}

// Setup performs the one time bring-up of wg_exit.
func (r *Reconciler) Setup() error {
	dev := kernel.ExitInterface

	if err := r.ki.SetupWgIfNamed(dev); err != nil {
		return err
	}
	if err := r.ki.AddAddress(dev, netip.PrefixFrom(r.conf.OwnInternalIP, r.conf.Netmask)); err != nil {
		return err
	}
	if err := r.ki.AddAddress(dev, netip.PrefixFrom(r.conf.OwnInternalIPv6, r.conf.ClientNetmaskV6)); err != nil {
		return err
	}
	if err := r.ki.SetMTU(dev, MTU); err != nil {
		return err
	}
	if err := r.ki.SetLinkUp(dev); err != nil {
		return err
	}

	// per-client classes hang off the root qdisc, recreating it would drop them
	ok, err := r.ki.HasLimit(dev)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Info("setting up root htb qdisc", "dev", dev)
		if err := r.ki.CreateRootClassfulLimit(dev); err != nil {
			return fmt.Errorf("creating root htb qdisc: %w", err)
		}
	}
	return nil
}

// SetupNAT makes sure the masquerade and forwarding rules between wg_exit and
// the external interface are installed exactly once.
func (r *Reconciler) SetupNAT(externalIface string) error {
	if externalIface == "" {
		externalIface = r.conf.ExternalIface
	}
	rules := []struct {
		table string
		chain string
		rule  []string
	}{
		{"nat", "POSTROUTING", []string{"-o", externalIface, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-o", externalIface, "-i", kernel.ExitInterface, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-o", kernel.ExitInterface, "-i", externalIface,
			"-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
	for _, rl := range rules {
		added, err := r.ki.EnsureIptablesRule(rl.table, rl.chain, rl.rule...)
		if err != nil {
			return err
		}
		if added {
			r.log.Info("installed firewall rule", "table", rl.table, "chain", rl.chain, "rule", rl.rule)
		}
	}
	return nil
}

// TryReconcile runs a pass unless one is already running, in which case it
// returns ErrPassInProgress.
func (r *Reconciler) TryReconcile(ctx context.Context, clients []types.ExitClient) (*PassReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer r.running.Store(false)
	return r.Reconcile(ctx, clients)
}

// Reconcile converges wg_exit to clients. The steps run in a fixed order:
// peer configuration, routes, removal of unauthorized peers, flows.
func (r *Reconciler) Reconcile(ctx context.Context, clients []types.ExitClient) (*PassReport, error) {
	dev := kernel.ExitInterface
	authorized := types.ExitClients(clients).Dedup()
	report := &PassReport{}

	err := r.ki.SetExitPeers(dev, r.conf.ListenPort, r.conf.PrivateKeyPath, authorized, r.conf.ClientNetmaskV6)
	if err != nil {
		return nil, fmt.Errorf("setting exit peers: %w", err)
	}

	// routes are never removed: once the client is gone the address is
	// unreachable, and a client reusing it later routes correctly
	for _, c := range authorized {
		err := r.ki.AddRoute(netip.PrefixFrom(c.InternalIPv6, r.conf.ClientNetmaskV6), c.InternalIPv6, dev)
		if err != nil {
			r.log.Warn("failed to add client route", "client", c.PublicKey, "ip", c.InternalIPv6, "error", err)
			report.Err = multierr.Append(report.Err, err)
			continue
		}
		report.Routes++
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	live, err := r.ki.GetPeers(dev)
	if err != nil {
		return report, fmt.Errorf("listing exit peers: %w", err)
	}
	r.log.Info("wg_exit peers", "live", len(live), "authorized", len(authorized))

	keys := authorized.Keys()
	for _, key := range live {
		if _, ok := keys[key]; ok {
			report.Peers++
			continue
		}
		r.log.Warn("removing no longer authorized peer", "peer", key)
		if err := r.ki.RemovePeer(dev, key); err != nil {
			report.Err = multierr.Append(report.Err, err)
			continue
		}
		report.Removed = append(report.Removed, key)
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	flows, err := r.ki.GetFlows(dev)
	if err != nil {
		return report, fmt.Errorf("listing exit flows: %w", err)
	}
	for _, c := range authorized {
		if kernel.HasFlow(c.InternalIP, flows) {
			continue
		}
		if err := r.ki.CreateFlowByIP(dev, c.InternalIP); err != nil {
			r.log.Warn("failed to create flow", "client", c.PublicKey, "ip", c.InternalIP, "error", err)
			report.Err = multierr.Append(report.Err, err)
			continue
		}
		flows[kernel.FlowID(c.InternalIP)] = struct{}{}
		report.FlowsCreated = append(report.FlowsCreated, c.InternalIP)
	}

	if report.Err != nil {
		r.log.Warn("reconcile pass finished with errors", "errors", len(multierr.Errors(report.Err)))
	}
	return report, nil
}

func (p *PassReport) String() string {
	if p == nil {
		return "<nil>"
	}
	return "peers=" + strconv.Itoa(p.Peers) +
		" routes=" + strconv.Itoa(p.Routes) +
		" removed=" + strconv.Itoa(len(p.Removed)) +
		" flows_created=" + strconv.Itoa(len(p.FlowsCreated)) +
		" errors=" + strconv.Itoa(len(multierr.Errors(p.Err)))
}
