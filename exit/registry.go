package exit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"

	"github.com/caldog20/calmesh/dao"
	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/store"
	"github.com/caldog20/calmesh/types"
)

var ErrInvalidRegistration = errors.New("invalid exit registration")

// Authorizer answers whether an identity may use this exit.
type Authorizer interface {
	CheckCache(ctx context.Context, id types.Identity) (dao.Status, error)
}

type RegistryConfig struct {
	Identity       types.Identity
	WgPort         uint16
	OwnInternalIP  netip.Addr
	Netmask        int
	ClientSubnetV6 netip.Prefix
}

// Registry registers exit clients and produces the authoritative client set
// for the reconciler.
type Registry struct {
	conf  RegistryConfig
	store store.Store
	ipam  *IPAM
	auth  Authorizer
	log   *slog.Logger

	// serializes lookup-then-create of a client
	mu sync.Mutex
}

func NewRegistry(conf RegistryConfig, st store.Store, auth Authorizer, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if conf.Netmask < kernel.MinFlowNetmask || conf.Netmask > 30 {
		return nil, fmt.Errorf("exit netmask /%d must be between /%d and /30", conf.Netmask, kernel.MinFlowNetmask)
	}

	allocated, err := st.GetAllocatedIPs()
	if err != nil {
		return nil, fmt.Errorf("loading allocated client addresses: %w", err)
	}
	ipam, err := NewIPAM(netip.PrefixFrom(conf.OwnInternalIP, conf.Netmask), conf.OwnInternalIP, allocated)
	if err != nil {
		return nil, err
	}

	return &Registry{
		conf:  conf,
		store: st,
		ipam:  ipam,
		auth:  auth,
		log:   logger.With("component", "exit-registry"),
	}, nil
}

func (r *Registry) status(ctx context.Context, id types.Identity) (dao.Status, error) {
	if r.auth == nil {
		return dao.StatusAuthorized, nil
	}
	return r.auth.CheckCache(ctx, id)
}

// Register handles a setup request from a client.
func (r *Registry) Register(ctx context.Context, req types.ExitRegistration) (*types.ExitSetupReply, error) {
	if req.Global.WgPublicKey.IsZero() {
		return nil, fmt.Errorf("%w: missing wireguard public key", ErrInvalidRegistration)
	}
	if !req.Global.MeshIP.Is6() {
		return nil, fmt.Errorf("%w: mesh ip %s is not ipv6", ErrInvalidRegistration, req.Global.MeshIP)
	}
	if req.WgPort == 0 {
		return nil, fmt.Errorf("%w: missing wireguard port", ErrInvalidRegistration)
	}

	status, err := r.status(ctx, req.Global)
	if err != nil {
		return nil, err
	}
	switch status {
	case dao.StatusDenied:
		return &types.ExitSetupReply{State: types.ExitStateDenied, Message: "identity is not authorized"}, nil
	case dao.StatusUnknown:
		return &types.ExitSetupReply{State: types.ExitStatePending, Message: "authorization pending"}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.store.GetClientByPublicKey(req.Global.WgPublicKey)
	switch {
	case err == nil:
		if c.MeshIP != req.Global.MeshIP || c.Port != req.WgPort || c.EthAddress != req.Global.EthAddress {
			c.MeshIP = req.Global.MeshIP
			c.Port = req.WgPort
			c.EthAddress = req.Global.EthAddress
			if err := r.store.UpdateClient(c); err != nil {
				return nil, err
			}
			r.log.Info("updated exit client", "client", req.Global)
		}
	case errors.Is(err, store.ErrNotFound):
		ip, err := r.ipam.Allocate()
		if err != nil {
			return nil, err
		}
		c = &store.Client{
			PublicKey:    req.Global.WgPublicKey,
			MeshIP:       req.Global.MeshIP,
			EthAddress:   req.Global.EthAddress,
			Port:         req.WgPort,
			InternalIP:   ip,
			InternalIPv6: ClientIPv6(r.conf.ClientSubnetV6, ip),
		}
		if err := r.store.CreateClient(c); err != nil {
			r.ipam.Release(ip)
			return nil, fmt.Errorf("saving exit client: %w", err)
		}
		r.log.Info("registered exit client", "client", req.Global, "internal_ip", ip)
	default:
		return nil, err
	}

	return &types.ExitSetupReply{
		State: types.ExitStateRegistered,
		Details: &types.ExitDetails{
			Global:        r.conf.Identity,
			OwnLocalIP:    c.InternalIP,
			ServerLocalIP: r.conf.OwnInternalIP,
			WgPort:        r.conf.WgPort,
			Netmask:       r.conf.Netmask,
		},
	}, nil
}

// Clients returns the registered clients that are currently authorized.
// Clients whose authorization is not known yet are left out.
func (r *Registry) Clients(ctx context.Context) ([]types.ExitClient, error) {
	registered, err := r.store.GetClients()
	if err != nil {
		return nil, err
	}

	clients := make([]types.ExitClient, 0, len(registered))
	for _, c := range registered {
		status, err := r.status(ctx, c.Identity())
		if err != nil {
			return nil, err
		}
		if !status.Allowed() {
			r.log.Debug("leaving out exit client", "client", c.Identity(), "status", status)
			continue
		}
		clients = append(clients, c.ExitClient())
	}
	return clients, nil
}

func (r *Registry) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /setup", r.SetupHandler)
}

func (r *Registry) SetupHandler(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 64<<10))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	reg := types.ExitRegistration{}
	if err := json.Unmarshal(body, &reg); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	reply, err := r.Register(req.Context(), reg)
	if err != nil {
		if errors.Is(err, ErrInvalidRegistration) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.log.Error("exit registration failed", "client", reg.Global, "error", err)
		http.Error(w, "error registering exit client", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		r.log.Error("error encoding setup response", "error", err)
	}
}
