package dao

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/caldog20/calmesh/types"
)

var (
	ErrTransport       = errors.New("authority transport error")
	ErrProtocol        = errors.New("authority protocol error")
	ErrInvalidIdentity = errors.New("identity mesh ip must be ipv6")
)

const maxResponseBody = 1 << 20

// Querier asks one authority endpoint whether an identity is on the list
// kept by the authority contract.
type Querier interface {
	Query(ctx context.Context, endpoint string, authority types.EthAddress, id types.Identity) (bool, error)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type callParams struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  *string   `json:"result"`
	Error   *rpcError `json:"error"`
}

// RPCClient queries authorities with JSON-RPC eth_call.
type RPCClient struct {
	hc *http.Client
}

func NewRPCClient(hc *http.Client) *RPCClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &RPCClient{hc: hc}
}

// CallData is the eth_call input for id: a single 32 byte word holding the
// mesh IPv6 address in its first 16 bytes.
func CallData(id types.Identity) (string, error) {
	if !id.MeshIP.Is6() || id.MeshIP.Is4In6() {
		return "", fmt.Errorf("%w: %s", ErrInvalidIdentity, id.MeshIP)
	}
	var word [32]byte
	ip := id.MeshIP.As16()
	copy(word[:], ip[:])
	return "0x" + hex.EncodeToString(word[:]), nil
}

func (c *RPCClient) Query(ctx context.Context, endpoint string, authority types.EthAddress, id types.Identity) (bool, error) {
	data, err := CallData(id)
	if err != nil {
		return false, err
	}

	b, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_call",
		Params:  []any{callParams{To: authority.String(), Data: data}, "latest"},
		ID:      1,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: %s returned %s", ErrProtocol, endpoint, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	rpcResp := rpcResponse{}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return false, fmt.Errorf("%w: malformed response: %w", ErrProtocol, err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("%w: rpc error %d: %s", ErrProtocol, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return false, fmt.Errorf("%w: response has no result", ErrProtocol)
	}

	n, err := DecodeResult(*rpcResp.Result)
	if err != nil {
		return false, err
	}
	return n.Sign() != 0, nil
}

// DecodeResult parses an eth_call result as an unsigned integer.
func DecodeResult(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return new(big.Int), nil
	}
	if s[0] == '-' || s[0] == '+' {
		return nil, fmt.Errorf("%w: result %q is signed", ErrProtocol, s)
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: result %q is not hex", ErrProtocol, s)
	}
	return n, nil
}
