package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/caldog20/calmesh/types"
)

const maxHelloBody = 64 << 10

// HelloClient is the outbound side of the neighbor hello exchange.
type HelloClient struct {
	hc *http.Client
}

func NewHelloClient(timeout time.Duration) *HelloClient {
	if timeout <= 0 {
		timeout = DefaultHelloTimeout
	}
	return &HelloClient{
		hc: &http.Client{Timeout: timeout},
	}
}

// HelloURL builds the hello endpoint for a neighbor. IPv6 zones are percent
// encoded as required inside a URL host.
func HelloURL(to netip.AddrPort) string {
	addr := to.Addr()
	host := addr.WithZone("").String()
	if addr.Is6() {
		if z := addr.Zone(); z != "" {
			host += "%25" + z
		}
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + strconv.Itoa(int(to.Port())) + "/hello"
}

func (c *HelloClient) Hello(ctx context.Context, to netip.AddrPort, my types.LocalIdentity) (*types.LocalIdentity, error) {
	b, err := json.Marshal(my)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, HelloURL(to), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: hello to %s failed: %s", ErrProtocol, to, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHelloBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	their := &types.LocalIdentity{}
	if err := json.Unmarshal(body, their); err != nil {
		return nil, fmt.Errorf("%w: malformed hello reply from %s: %w", ErrProtocol, to, err)
	}
	if !their.LocalIP.IsValid() || their.Global.WgPublicKey.IsZero() {
		return nil, fmt.Errorf("%w: incomplete hello reply from %s", ErrProtocol, to)
	}
	return their, nil
}

// HelloServer answers hello requests from neighbors.
type HelloServer struct {
	m   *Manager
	log *slog.Logger
}

func NewHelloServer(m *Manager) *HelloServer {
	return &HelloServer{m: m, log: m.log.With("handler", "hello")}
}

func (s *HelloServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /hello", s.HelloHandler)
}

func (s *HelloServer) HelloHandler(w http.ResponseWriter, req *http.Request) {
	remote, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		http.Error(w, "invalid remote address", http.StatusBadRequest)
		return
	}

	dev, err := s.m.resolveDevice(remote.Addr())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxHelloBody))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	their := types.LocalIdentity{}
	if err := json.Unmarshal(body, &their); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if their.Global.WgPublicKey.IsZero() {
		http.Error(w, "missing wireguard public key", http.StatusBadRequest)
		return
	}

	s.log.Debug("received hello", "from", remote, "dev", dev, "peer", their.Global)

	mine, err := s.m.GetLocalIdentity(their, dev)
	if err != nil {
		s.log.Warn("failed to answer hello", "from", remote, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(mine); err != nil {
		s.log.Error("error encoding hello response", "error", err)
		return
	}

	go func() {
		if err := s.m.OpenTunnel(their, dev); err != nil {
			s.log.Warn("failed to open tunnel after hello", "peer", their.Global, "error", err)
		}
	}()
}
