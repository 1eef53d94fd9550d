// Package store persists the clients registered with an exit node.
package store

import (
	"errors"
	"net/netip"
	"time"

	"github.com/caldog20/calmesh/types"
)

var (
	ErrNotFound      = errors.New("not found in database")
	ErrAlreadyExists = errors.New("already exists in database")
)

type Store interface {
	GetClients() ([]*Client, error)
	GetClientByPublicKey(key types.PublicKey) (*Client, error)
	CreateClient(c *Client) error
	UpdateClient(c *Client) error
	DeleteClient(key types.PublicKey) error
	GetAllocatedIPs() ([]netip.Addr, error)
	Close() error
}

// Client is an exit client registration.
type Client struct {
	ID           uint64           `json:"id"`
	PublicKey    types.PublicKey  `json:"public_key"`
	MeshIP       netip.Addr       `json:"mesh_ip"`
	EthAddress   types.EthAddress `json:"eth_address"`
	Port         uint16           `json:"port"`
	InternalIP   netip.Addr       `json:"internal_ip"`
	InternalIPv6 netip.Addr       `json:"internal_ipv6"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Client) Identity() types.Identity {
	return types.Identity{
		MeshIP:      c.MeshIP,
		EthAddress:  c.EthAddress,
		WgPublicKey: c.PublicKey,
	}
}

func (c *Client) ExitClient() types.ExitClient {
	return types.ExitClient{
		InternalIP:   c.InternalIP,
		InternalIPv6: c.InternalIPv6,
		PublicKey:    c.PublicKey,
		MeshIP:       c.MeshIP,
		Port:         c.Port,
	}
}

func copyClient(c *Client) *Client {
	cc := *c
	return &cc
}

// Open returns the store for driver ("sqlite", "bolt" or "memory").
func Open(driver, path string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSqlStore(path)
	case "bolt":
		return NewBoltStore(path)
	case "memory", "":
		return NewMapStore(), nil
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
