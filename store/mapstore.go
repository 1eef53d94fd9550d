package store

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/caldog20/calmesh/types"
)

type MapStore struct {
	mu         sync.Mutex
	clients    map[types.PublicKey]*Client
	idSequence uint64
}

func NewMapStore() *MapStore {
	return &MapStore{
		clients: make(map[types.PublicKey]*Client),
	}
}

func sortByID(clients []*Client) {
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
}

func (m *MapStore) GetClients() ([]*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, copyClient(c))
	}
	sortByID(clients)
	return clients, nil
}

func (m *MapStore) GetClientByPublicKey(key types.PublicKey) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return copyClient(c), nil
	}
	return nil, ErrNotFound
}

func (m *MapStore) CreateClient(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.PublicKey]; ok {
		return ErrAlreadyExists
	}
	m.idSequence++
	c.ID = m.idSequence
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.clients[c.PublicKey] = copyClient(c)
	return nil
}

func (m *MapStore) UpdateClient(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.clients[c.PublicKey]
	if !ok {
		return ErrNotFound
	}
	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	m.clients[c.PublicKey] = copyClient(c)
	return nil
}

func (m *MapStore) DeleteClient(key types.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[key]; !ok {
		return ErrNotFound
	}
	delete(m.clients, key)
	return nil
}

func (m *MapStore) GetAllocatedIPs() ([]netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var allocated []netip.Addr
	for _, c := range m.clients {
		if c.InternalIP.IsValid() {
			allocated = append(allocated, c.InternalIP)
		}
	}
	return allocated, nil
}

func (m *MapStore) Close() error {
	return nil
}
