package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrInvalidEthAddress = errors.New("invalid eth address")

// EthAddress is the 20 byte billing address of a node.
type EthAddress [20]byte

func ParseEthAddress(s string) (EthAddress, error) {
	var a EthAddress
	err := a.UnmarshalText([]byte(s))
	return a, err
}

func (a EthAddress) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a EthAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *EthAddress) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEthAddress, err)
	}
	if len(raw) != len(a) {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidEthAddress, len(raw))
	}
	copy(a[:], raw)
	return nil
}

// Identity uniquely identifies a node network wide.
type Identity struct {
	MeshIP      netip.Addr `json:"mesh_ip"`
	EthAddress  EthAddress `json:"eth_address"`
	WgPublicKey PublicKey  `json:"wg_public_key"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.MeshIP, id.WgPublicKey)
}

// LocalIdentity is exchanged during neighbor discovery. LocalIP is the
// link-local address the sender can be reached on and WgPort the listen port
// of the tunnel it allocated for the receiver.
type LocalIdentity struct {
	Global  Identity   `json:"global"`
	LocalIP netip.Addr `json:"local_ip"`
	WgPort  uint16     `json:"wg_port"`
}
