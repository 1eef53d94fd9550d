package types

import (
	"net/netip"
	"sort"
)

// ExitClient is one authorized client of an exit node.
type ExitClient struct {
	InternalIP   netip.Addr `json:"internal_ip"`
	InternalIPv6 netip.Addr `json:"internal_ipv6"`
	PublicKey    PublicKey  `json:"public_key"`
	MeshIP       netip.Addr `json:"mesh_ip"`
	Port         uint16     `json:"port"`
}

type ExitClients []ExitClient

// Dedup returns the clients with duplicate public keys removed, keeping the
// first occurrence, sorted by public key.
func (c ExitClients) Dedup() ExitClients {
	seen := make(map[PublicKey]struct{}, len(c))
	out := make(ExitClients, 0, len(c))
	for _, client := range c {
		if _, ok := seen[client.PublicKey]; ok {
			continue
		}
		seen[client.PublicKey] = struct{}{}
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublicKey.String() < out[j].PublicKey.String()
	})
	return out
}

func (c ExitClients) Keys() map[PublicKey]struct{} {
	m := make(map[PublicKey]struct{}, len(c))
	for _, client := range c {
		m[client.PublicKey] = struct{}{}
	}
	return m
}

type ExitState string

const (
	ExitStateNew        ExitState = "new"
	ExitStatePending    ExitState = "pending"
	ExitStateRegistered ExitState = "registered"
	ExitStateDenied     ExitState = "denied"
	ExitStateDisabled   ExitState = "disabled"
)

// ExitRegistration is sent by a client to an exit's registration port.
type ExitRegistration struct {
	Global Identity `json:"global"`
	WgPort uint16   `json:"wg_port"`
}

// ExitDetails is what a client needs to bring up its exit tunnel.
type ExitDetails struct {
	Global        Identity   `json:"global"`
	OwnLocalIP    netip.Addr `json:"own_local_ip"`
	ServerLocalIP netip.Addr `json:"server_local_ip"`
	WgPort        uint16     `json:"wg_port"`
	Netmask       int        `json:"netmask"`
}

type ExitSetupReply struct {
	State   ExitState    `json:"state"`
	Message string       `json:"message,omitempty"`
	Details *ExitDetails `json:"details,omitempty"`
}
