// Package node wires the tunnel manager, the membership cache and the exit
// components of one mesh node together and runs them until shutdown.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/caldog20/calmesh/config"
	"github.com/caldog20/calmesh/dao"
	"github.com/caldog20/calmesh/events"
	"github.com/caldog20/calmesh/exit"
	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/store"
	"github.com/caldog20/calmesh/tunnel"
	"github.com/caldog20/calmesh/types"
)

const shutdownTimeout = 10 * time.Second

type Node struct {
	conf     config.Config
	identity types.Identity
	ki       *kernel.Kernel
	clock    clock.Clock
	log      *slog.Logger

	Events  *events.Hub
	DAO     *dao.Manager
	Tunnels *tunnel.Manager

	// set when this node is an exit
	store      store.Store
	Registry   *exit.Registry
	Reconciler *exit.Reconciler

	// set when this node uses an exit
	ExitClient *exit.ClientTunnel
}

// New builds a node from a validated config. The node's public key is read
// from the configured private key file.
func New(conf config.Config, runner kernel.Runner, clk clock.Clock, logger *slog.Logger) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	priv, err := types.ReadPrivateKeyFile(conf.Network.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading private key: %w", config.ErrConfiguration, err)
	}

	n := &Node{
		conf: conf,
		identity: types.Identity{
			MeshIP:      conf.Network.MeshIP,
			EthAddress:  conf.Network.EthAddress,
			WgPublicKey: priv.Public(),
		},
		ki:    kernel.New(runner, logger),
		clock: clk,
		log:   logger.With("component", "node"),
	}

	n.Events = events.NewHub(logger)

	daoConf := conf.DAO
	n.DAO = dao.NewManager(dao.Config{
		Enforcement:  daoConf.Enforcement,
		Authorities:  daoConf.Authorities,
		Endpoints:    daoConf.Endpoints,
		CacheTTL:     daoConf.CacheTTL.Std(),
		QueryTimeout: daoConf.QueryTimeout.Std(),
	}, dao.NewRPCClient(&http.Client{Timeout: daoConf.QueryTimeout.Std()}), n.Events, clk, logger)

	netConf := conf.Network
	n.Tunnels = tunnel.NewManager(tunnel.Config{
		Identity:        n.identity,
		PrivateKeyPath:  netConf.PrivateKeyPath,
		StartPort:       netConf.WgStartPort,
		DiscoveryIfaces: netConf.DiscoveryIfaces,
		HelloPort:       netConf.HelloPort,
		MaxInquiries:    netConf.MaxInquiries,
	}, n.ki, tunnel.NewHelloClient(netConf.HelloTimeout.Std()), tunnel.LocalBabel(netConf.BabelPort), logger)

	if conf.Exit.Enabled {
		if err := n.setupExit(logger); err != nil {
			return nil, err
		}
	}

	if ec := conf.ExitClient; ec.Enabled {
		n.ExitClient = exit.NewClientTunnel(exit.ClientConfig{
			Identity:         n.identity,
			ExitMeshIP:       ec.ExitMeshIP,
			RegistrationPort: ec.RegistrationPort,
			WgListenPort:     ec.WgListenPort,
			PrivateKeyPath:   netConf.PrivateKeyPath,
			LanNics:          ec.LanNics,
		}, n.ki, n.Events, logger)
	}

	return n, nil
}

func (n *Node) setupExit(logger *slog.Logger) error {
	ec := n.conf.Exit
	st, err := store.Open(ec.StoreDriver, ec.StorePath)
	if err != nil {
		return fmt.Errorf("opening exit client store: %w", err)
	}

	reg, err := exit.NewRegistry(exit.RegistryConfig{
		Identity:       n.identity,
		WgPort:         ec.ListenPort,
		OwnInternalIP:  ec.OwnInternalIP,
		Netmask:        ec.Netmask,
		ClientSubnetV6: netip.PrefixFrom(ec.OwnInternalIPv6, ec.ClientNetmaskV6).Masked(),
	}, st, n.DAO, logger)
	if err != nil {
		st.Close()
		return err
	}

	n.store = st
	n.Registry = reg
	n.Reconciler = exit.NewReconciler(exit.Config{
		ListenPort:      ec.ListenPort,
		PrivateKeyPath:  n.conf.Network.PrivateKeyPath,
		OwnInternalIP:   ec.OwnInternalIP,
		OwnInternalIPv6: ec.OwnInternalIPv6,
		Netmask:         ec.Netmask,
		ClientNetmaskV6: ec.ClientNetmaskV6,
		ExternalIface:   ec.ExternalIface,
	}, n.ki, logger)
	return nil
}

func (n *Node) Identity() types.Identity {
	return n.identity
}

// HelloMux serves neighbor hellos on the discovery interfaces.
func (n *Node) HelloMux() *http.ServeMux {
	mux := http.NewServeMux()
	tunnel.NewHelloServer(n.Tunnels).RegisterRoutes(mux)
	return mux
}

// ExitMux serves exit registrations. It is nil unless the node is an exit.
func (n *Node) ExitMux() *http.ServeMux {
	if n.Registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	n.Registry.RegisterRoutes(mux)
	return mux
}

func (n *Node) EventsMux() *http.ServeMux {
	mux := http.NewServeMux()
	n.Events.RegisterRoutes(mux)
	return mux
}

// Run brings the node up and blocks until ctx is done or a component fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.ki.CleanupTunnels(); err != nil {
		n.log.Warn("failed to clean up tunnels from a previous run", "error", err)
	}

	if n.Reconciler != nil {
		if err := n.Reconciler.Setup(); err != nil {
			return fmt.Errorf("exit interface setup: %w", err)
		}
		if err := n.Reconciler.SetupNAT(n.conf.Exit.ExternalIface); err != nil {
			return fmt.Errorf("exit nat setup: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.DAO.Run(ctx)
	})

	hello := netip.AddrPortFrom(netip.IPv6Unspecified(), n.conf.Network.HelloPort)
	n.serve(ctx, g, "hello", hello.String(), n.HelloMux())
	n.serve(ctx, g, "events", n.conf.Network.EventsListen, n.EventsMux())

	g.Go(func() error {
		return n.runEvery(ctx, n.conf.Network.SweepInterval.Std(), n.sweep)
	})

	if n.Registry != nil {
		reg := netip.AddrPortFrom(netip.IPv6Unspecified(), n.conf.Exit.RegistrationPort)
		n.serve(ctx, g, "exit registration", reg.String(), n.ExitMux())
		g.Go(func() error {
			return n.runExit(ctx)
		})
	}

	if n.ExitClient != nil {
		g.Go(func() error {
			return n.runEvery(ctx, n.conf.ExitClient.Interval.Std(), n.ExitClient.Tick)
		})
	}

	n.log.Info("node started", "identity", n.identity)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) serve(ctx context.Context, g *errgroup.Group, name, addr string, handler http.Handler) {
	g.Go(func() error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		srv := &http.Server{Handler: handler}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		n.log.Info("http listening", "server", name, "addr", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
}

// runEvery calls fn once immediately and then on every tick until ctx is
// done. Errors from fn are logged and do not stop the loop.
func (n *Node) runEvery(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ticker := n.clock.Ticker(d)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil {
			n.log.Warn("periodic task failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) sweep(ctx context.Context) error {
	opened, err := n.Tunnels.Sweep(ctx)
	if opened > 0 {
		n.log.Debug("neighbor sweep", "tunnels", opened)
	}
	return err
}

// runExit reconciles the exit on every tick and immediately after a client
// loses its membership.
func (n *Node) runExit(ctx context.Context) error {
	id, evs := n.Events.Subscribe()
	defer n.Events.Unsubscribe(id)

	ticker := n.clock.Ticker(n.conf.Exit.ReconcileInterval.Std())
	defer ticker.Stop()
	for {
		if err := n.reconcile(ctx); err != nil {
			n.log.Warn("exit reconcile failed", "error", err)
		}
		if err := n.waitExitTrigger(ctx, ticker.C, evs); err != nil {
			return err
		}
	}
}

func (n *Node) waitExitTrigger(ctx context.Context, tick <-chan time.Time, evs <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			return nil
		case ev := <-evs:
			if ev.Type == events.Revoke {
				n.log.Info("membership revoked, reconciling", "identity", ev.Identity)
				return nil
			}
		}
	}
}

func (n *Node) reconcile(ctx context.Context) error {
	clients, err := n.Registry.Clients(ctx)
	if err != nil {
		return err
	}
	report, err := n.Reconciler.TryReconcile(ctx, clients)
	if errors.Is(err, exit.ErrPassInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	if report.Err != nil {
		n.log.Warn("exit reconcile finished with client errors", "report", report.String())
	}
	return nil
}

func (n *Node) Close() error {
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}
