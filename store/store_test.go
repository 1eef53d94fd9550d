package store

import (
	"errors"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/caldog20/calmesh/types"
)

var stores map[string]Store

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "calmesh-store")
	if err != nil {
		log.Fatal(err)
	}

	sql, err := NewSqlStore(":memory:")
	if err != nil {
		log.Fatal(err)
	}
	bolt, err := NewBoltStore(filepath.Join(dir, "clients.db"))
	if err != nil {
		log.Fatal(err)
	}
	stores = map[string]Store{
		"sqlite": sql,
		"bolt":   bolt,
		"memory": NewMapStore(),
	}

	code := m.Run()
	for _, s := range stores {
		s.Close()
	}
	os.RemoveAll(dir)
	os.Exit(code)
}

func newClient(internal string) *Client {
	return &Client{
		PublicKey:    types.NewPrivateKey().Public(),
		MeshIP:       netip.MustParseAddr("fd00::2"),
		EthAddress:   types.EthAddress{0x01, 0x02},
		Port:         51820,
		InternalIP:   netip.MustParseAddr(internal),
		InternalIPv6: netip.MustParseAddr("fd01::2"),
	}
}

func TestCreateAndGetClient(t *testing.T) {
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			c := newClient("172.168.0.2")
			if err := s.CreateClient(c); err != nil {
				t.Fatal(err)
			}
			if c.ID == 0 {
				t.Fatal("client id not assigned")
			}

			got, err := s.GetClientByPublicKey(c.PublicKey)
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != c.ID || got.MeshIP != c.MeshIP || got.InternalIP != c.InternalIP ||
				got.InternalIPv6 != c.InternalIPv6 || got.EthAddress != c.EthAddress || got.Port != c.Port {
				t.Fatalf("client did not round trip: %+v vs %+v", got, c)
			}

			if err := s.CreateClient(c); !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("expected ErrAlreadyExists, got %v", err)
			}
		})
	}
}

func TestGetClientNotFound(t *testing.T) {
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetClientByPublicKey(types.NewPrivateKey().Public())
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestUpdateClient(t *testing.T) {
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			c := newClient("172.168.0.3")
			if err := s.CreateClient(c); err != nil {
				t.Fatal(err)
			}

			c.Port = 51999
			c.MeshIP = netip.MustParseAddr("fd00::9")
			if err := s.UpdateClient(c); err != nil {
				t.Fatal(err)
			}

			got, err := s.GetClientByPublicKey(c.PublicKey)
			if err != nil {
				t.Fatal(err)
			}
			if got.Port != 51999 || got.MeshIP != c.MeshIP {
				t.Fatalf("update not stored: %+v", got)
			}
		})
	}
}

func TestDeleteClient(t *testing.T) {
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			c := newClient("172.168.0.4")
			if err := s.CreateClient(c); err != nil {
				t.Fatal(err)
			}
			if err := s.DeleteClient(c.PublicKey); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetClientByPublicKey(c.PublicKey); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := s.DeleteClient(c.PublicKey); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
			}
		})
	}
}

func TestGetClientsAndAllocatedIPs(t *testing.T) {
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			c := newClient("172.168.0.5")
			if err := s.CreateClient(c); err != nil {
				t.Fatal(err)
			}

			clients, err := s.GetClients()
			if err != nil {
				t.Fatal(err)
			}
			found := false
			for i, got := range clients {
				if i > 0 && clients[i-1].ID >= got.ID {
					t.Fatal("clients not ordered by id")
				}
				if got.PublicKey == c.PublicKey {
					found = true
					if got.ExitClient().InternalIP != c.InternalIP {
						t.Fatal("exit client conversion lost internal ip")
					}
				}
			}
			if !found {
				t.Fatal("created client not listed")
			}

			ips, err := s.GetAllocatedIPs()
			if err != nil {
				t.Fatal(err)
			}
			allocated := false
			for _, ip := range ips {
				if ip == c.InternalIP {
					allocated = true
				}
			}
			if !allocated {
				t.Fatalf("%s missing from allocated ips %v", c.InternalIP, ips)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MapStore); !ok {
		t.Fatalf("unexpected store type %T", s)
	}
	if _, err := Open("postgres", ""); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}
