package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/types"
)

const (
	ConfigFileName = "config.json"
	StoreFileName  = "exit.db"
)

var ErrConfiguration = errors.New("invalid configuration")

// Duration is a time.Duration that reads and writes as a string like "5s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Network struct {
	MeshIP          netip.Addr       `json:"mesh_ip"`
	EthAddress      types.EthAddress `json:"eth_address"`
	PrivateKeyPath  string           `json:"wg_private_key_path"`
	WgStartPort     uint16           `json:"wg_start_port"`
	BabelPort       uint16           `json:"babel_port"`
	DiscoveryIfaces []string         `json:"peer_interfaces"`
	HelloPort       uint16           `json:"hello_port"`
	HelloTimeout    Duration         `json:"hello_timeout"`
	MaxInquiries    int              `json:"max_inquiries"`
	SweepInterval   Duration         `json:"sweep_interval"`
	EventsListen    string           `json:"events_listen"`
}

type DAO struct {
	Enforcement  bool               `json:"dao_enforcement"`
	Authorities  []types.EthAddress `json:"dao_addresses"`
	Endpoints    []string           `json:"node_list"`
	CacheTTL     Duration           `json:"cache_timeout"`
	QueryTimeout Duration           `json:"query_timeout"`
}

type Exit struct {
	Enabled           bool       `json:"enabled"`
	ListenPort        uint16     `json:"wg_tunnel_port"`
	OwnInternalIP     netip.Addr `json:"own_internal_ip"`
	OwnInternalIPv6   netip.Addr `json:"own_internal_ipv6"`
	Netmask           int        `json:"netmask"`
	ClientNetmaskV6   int        `json:"client_netmask_v6"`
	ExternalIface     string     `json:"external_nic"`
	RegistrationPort  uint16     `json:"registration_port"`
	StoreDriver       string     `json:"store_driver"`
	StorePath         string     `json:"store_path"`
	ReconcileInterval Duration   `json:"reconcile_interval"`
}

type ExitClient struct {
	Enabled          bool       `json:"enabled"`
	ExitMeshIP       netip.Addr `json:"exit_mesh_ip"`
	RegistrationPort uint16     `json:"registration_port"`
	WgListenPort     uint16     `json:"wg_listen_port"`
	LanNics          []string   `json:"lan_nics"`
	Interval         Duration   `json:"interval"`
}

type Config struct {
	Network    Network    `json:"network"`
	DAO        DAO        `json:"dao"`
	Exit       Exit       `json:"exit"`
	ExitClient ExitClient `json:"exit_client"`
	Debug      bool       `json:"debug_mode"`
}

// ReadConfigFromFile decodes dir/config.json over the current values, so
// fields missing from the file keep their defaults.
func (c *Config) ReadConfigFromFile(dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	configFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	err = json.NewDecoder(configFile).Decode(c)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	return nil
}

// WriteConfigFile writes the config to dir/config.json, creating dir if
// needed.
func (c *Config) WriteConfigFile(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("config file doesn't exist, creating", "path", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", " ")
	return enc.Encode(c)
}

func (c *Config) SetDefaults() {
	*c = Config{
		Network: Network{
			PrivateKeyPath: filepath.Join(ConfigPath(), "private-key"),
			WgStartPort:    60000,
			BabelPort:      6872,
			HelloPort:      4876,
			HelloTimeout:   Duration(5 * time.Second),
			MaxInquiries:   16,
			SweepInterval:  Duration(5 * time.Second),
			EventsListen:   "[::1]:4877",
		},
		DAO: DAO{
			Enforcement:  false,
			CacheTTL:     Duration(60 * time.Second),
			QueryTimeout: Duration(8 * time.Second),
		},
		Exit: Exit{
			ListenPort:        59999,
			OwnInternalIP:     netip.MustParseAddr("172.168.0.1"),
			OwnInternalIPv6:   netip.MustParseAddr("fd01::1"),
			Netmask:           16,
			ClientNetmaskV6:   64,
			ExternalIface:     "eth0",
			RegistrationPort:  4875,
			StoreDriver:       "sqlite",
			StorePath:         filepath.Join(ConfigPath(), StoreFileName),
			ReconcileInterval: Duration(5 * time.Second),
		},
		ExitClient: ExitClient{
			RegistrationPort: 4875,
			WgListenPort:     59998,
			Interval:         Duration(5 * time.Second),
		},
	}
}

// Validate reports every problem at once, wrapped in ErrConfiguration.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	n := c.Network
	if !n.MeshIP.Is6() || n.MeshIP.Is4In6() {
		add("network.mesh_ip must be an ipv6 address, got %q", n.MeshIP)
	}
	if n.PrivateKeyPath == "" {
		add("network.wg_private_key_path is required")
	}
	if n.WgStartPort == 0 {
		add("network.wg_start_port is required")
	}
	if len(n.DiscoveryIfaces) == 0 {
		add("network.peer_interfaces must name at least one interface")
	}
	if n.HelloTimeout.Std() <= 0 || n.HelloTimeout.Std() > 10*time.Second {
		add("network.hello_timeout must be between 0s and 10s, got %s", n.HelloTimeout.Std())
	}

	d := c.DAO
	if d.Enforcement {
		if len(d.Authorities) == 0 {
			add("dao.dao_addresses is required with enforcement enabled")
		}
		if len(d.Endpoints) == 0 {
			add("dao.node_list is required with enforcement enabled")
		}
	}
	for _, ep := range d.Endpoints {
		if u, err := url.Parse(ep); err != nil || u.Host == "" {
			add("dao.node_list entry %q is not a url", ep)
		}
	}
	if d.QueryTimeout.Std() > 10*time.Second {
		add("dao.query_timeout must not exceed 10s")
	}

	e := c.Exit
	if e.Enabled {
		if !e.OwnInternalIP.Is4() {
			add("exit.own_internal_ip must be an ipv4 address")
		}
		if !e.OwnInternalIPv6.Is6() {
			add("exit.own_internal_ipv6 must be an ipv6 address")
		}
		if e.Netmask < kernel.MinFlowNetmask || e.Netmask > 30 {
			add("exit.netmask must be between %d and 30, got %d", kernel.MinFlowNetmask, e.Netmask)
		}
		if e.ClientNetmaskV6 < 1 || e.ClientNetmaskV6 > 96 {
			add("exit.client_netmask_v6 must be between 1 and 96, got %d", e.ClientNetmaskV6)
		}
		if e.ExternalIface == "" {
			add("exit.external_nic is required")
		}
		switch e.StoreDriver {
		case "sqlite", "bolt":
			if e.StorePath == "" {
				add("exit.store_path is required for the %s store", e.StoreDriver)
			}
		case "memory":
		default:
			add("exit.store_driver %q is not one of sqlite, bolt, memory", e.StoreDriver)
		}
	}

	ec := c.ExitClient
	if ec.Enabled {
		if !ec.ExitMeshIP.IsValid() {
			add("exit_client.exit_mesh_ip is required")
		}
		if ec.RegistrationPort == 0 {
			add("exit_client.registration_port is required")
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, errs)
	}
	return nil
}

func ConfigPath() string {
	subDir := "calmesh"
	configDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("./", subDir)
	}
	return filepath.Join(configDir, subDir)
}
