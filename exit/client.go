package exit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/caldog20/calmesh/events"
	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/types"
)

var ErrNotRegistered = errors.New("not registered with exit")

// ClientKernel is the part of the kernel adapter an exit client drives.
type ClientKernel interface {
	SetupWgIfNamed(name string) error
	SetClientExitTunnel(c kernel.ClientExitConfig) error
	AddDeviceRoute(addr netip.Addr, dev string) error
	EnsureIptablesRule(table, chain string, rule ...string) (bool, error)
}

type ClientConfig struct {
	Identity         types.Identity
	ExitMeshIP       netip.Addr
	RegistrationPort uint16
	WgListenPort     uint16
	PrivateKeyPath   string
	LanNics          []string
	Timeout          time.Duration
}

// ClientTunnel registers this node with an exit and keeps wg_exit pointed at
// it.
type ClientTunnel struct {
	ki     ClientKernel
	conf   ClientConfig
	hc     *http.Client
	events events.Publisher
	log    *slog.Logger

	mu      sync.Mutex
	state   types.ExitState
	details *types.ExitDetails
	// details wg_exit was last brought up with
	applied *types.ExitDetails
}

func NewClientTunnel(conf ClientConfig, ki ClientKernel, pub events.Publisher, logger *slog.Logger) *ClientTunnel {
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientTunnel{
		ki:     ki,
		conf:   conf,
		hc:     &http.Client{Timeout: conf.Timeout},
		events: pub,
		log:    logger.With("component", "exit-client", "exit", conf.ExitMeshIP),
		state:  types.ExitStateNew,
	}
}

func (c *ClientTunnel) State() types.ExitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientTunnel) setupURL() string {
	return "http://" + netip.AddrPortFrom(c.conf.ExitMeshIP, c.conf.RegistrationPort).String() + "/setup"
}

// Register sends a setup request to the exit and records its answer.
func (c *ClientTunnel) Register(ctx context.Context) (*types.ExitSetupReply, error) {
	b, err := json.Marshal(types.ExitRegistration{
		Global: c.conf.Identity,
		WgPort: c.conf.WgListenPort,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.setupURL(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("sending exit setup request", "url", c.setupURL())
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exit setup request failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	reply := &types.ExitSetupReply{}
	if err := json.Unmarshal(body, reply); err != nil {
		return nil, fmt.Errorf("malformed exit setup reply: %w", err)
	}
	if reply.State == types.ExitStateRegistered && reply.Details == nil {
		return nil, errors.New("exit registered us without tunnel details")
	}

	c.mu.Lock()
	c.state = reply.State
	if reply.Details != nil {
		c.details = reply.Details
	}
	c.mu.Unlock()

	c.log.Info("exit setup reply", "state", reply.State, "message", reply.Message)
	return reply, nil
}

// Setup brings up wg_exit toward the exit and, on success, asks for the exit
// to be watched for payment.
func (c *ClientTunnel) Setup() error {
	c.mu.Lock()
	details := c.details
	c.mu.Unlock()
	if details == nil {
		return ErrNotRegistered
	}

	if err := c.ki.SetupWgIfNamed(kernel.ExitInterface); err != nil {
		return err
	}
	err := c.ki.SetClientExitTunnel(kernel.ClientExitConfig{
		Endpoint:       netip.AddrPortFrom(c.conf.ExitMeshIP, details.WgPort),
		ExitKey:        details.Global.WgPublicKey,
		PrivateKeyPath: c.conf.PrivateKeyPath,
		ListenPort:     c.conf.WgListenPort,
		InternalIP:     details.OwnLocalIP,
		Netmask:        details.Netmask,
	})
	if err != nil {
		return err
	}
	if err := c.ki.AddDeviceRoute(details.ServerLocalIP, kernel.ExitInterface); err != nil {
		return err
	}

	if len(c.conf.LanNics) > 0 {
		if _, err := c.ki.EnsureIptablesRule("nat", "POSTROUTING", "-o", kernel.ExitInterface, "-j", "MASQUERADE"); err != nil {
			return err
		}
	}
	for _, nic := range c.conf.LanNics {
		if _, err := c.ki.EnsureIptablesRule("filter", "FORWARD", "-i", nic, "-o", kernel.ExitInterface, "-j", "ACCEPT"); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.applied = details
	c.mu.Unlock()

	if c.events != nil {
		exitID := details.Global
		exitID.MeshIP = c.conf.ExitMeshIP
		c.events.Publish(events.Event{Type: events.Watch, Identity: exitID, Iface: kernel.ExitInterface})
	}
	return nil
}

// Tick registers with the exit until it answers with a final state and brings
// the tunnel up once registered. The tunnel is only set up again when the
// exit hands out different details.
func (c *ClientTunnel) Tick(ctx context.Context) error {
	switch c.State() {
	case types.ExitStateNew, types.ExitStatePending:
		if _, err := c.Register(ctx); err != nil {
			return fmt.Errorf("exit setup request: %w", err)
		}
	case types.ExitStateDenied, types.ExitStateDisabled:
		return nil
	}

	if c.State() != types.ExitStateRegistered || c.established() {
		return nil
	}
	return c.Setup()
}

func (c *ClientTunnel) established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied != nil && c.details != nil && *c.applied == *c.details
}
