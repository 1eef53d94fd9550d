package store

import (
	"encoding/json"
	"net/netip"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/caldog20/calmesh/types"
)

var clientsBucket = []byte("clients")

// BoltStore keys clients by the raw bytes of their public key.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(clientsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) GetClients() ([]*Client, error) {
	var clients []*Client
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			c := &Client{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			clients = append(clients, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByID(clients)
	return clients, nil
}

func (b *BoltStore) GetClientByPublicKey(key types.PublicKey) (*Client, error) {
	var c *Client
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get(key.Raw())
		if v == nil {
			return ErrNotFound
		}
		c = &Client{}
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *BoltStore) CreateClient(c *Client) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(clientsBucket)
		if bkt.Get(c.PublicKey.Raw()) != nil {
			return ErrAlreadyExists
		}

		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		c.ID = id
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bkt.Put(c.PublicKey.Raw(), data)
	})
}

func (b *BoltStore) UpdateClient(c *Client) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(clientsBucket)
		v := bkt.Get(c.PublicKey.Raw())
		if v == nil {
			return ErrNotFound
		}
		existing := &Client{}
		if err := json.Unmarshal(v, existing); err != nil {
			return err
		}
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = time.Now()
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bkt.Put(c.PublicKey.Raw(), data)
	})
}

func (b *BoltStore) DeleteClient(key types.PublicKey) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(clientsBucket)
		if bkt.Get(key.Raw()) == nil {
			return ErrNotFound
		}
		return bkt.Delete(key.Raw())
	})
}

func (b *BoltStore) GetAllocatedIPs() ([]netip.Addr, error) {
	clients, err := b.GetClients()
	if err != nil {
		return nil, err
	}
	var ips []netip.Addr
	for _, c := range clients {
		if c.InternalIP.IsValid() {
			ips = append(ips, c.InternalIP)
		}
	}
	return ips, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

