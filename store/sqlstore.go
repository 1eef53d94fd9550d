package store

import (
	"errors"
	"net/netip"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/caldog20/calmesh/types"
)

// clientRow is the table layout. Addresses and keys are stored in their
// text form.
type clientRow struct {
	ID           uint64 `gorm:"primaryKey"`
	PublicKey    string `gorm:"uniqueIndex;not null"`
	MeshIP       string
	EthAddress   string
	Port         uint16
	InternalIP   string `gorm:"index"`
	InternalIPv6 string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (clientRow) TableName() string {
	return "clients"
}

func toRow(c *Client) *clientRow {
	return &clientRow{
		ID:           c.ID,
		PublicKey:    c.PublicKey.String(),
		MeshIP:       c.MeshIP.String(),
		EthAddress:   c.EthAddress.String(),
		Port:         c.Port,
		InternalIP:   c.InternalIP.String(),
		InternalIPv6: c.InternalIPv6.String(),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (r *clientRow) client() (*Client, error) {
	c := &Client{
		ID:        r.ID,
		Port:      r.Port,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	var err error
	if c.PublicKey, err = types.ParsePublicKey(r.PublicKey); err != nil {
		return nil, err
	}
	if c.EthAddress, err = types.ParseEthAddress(r.EthAddress); err != nil {
		return nil, err
	}
	if c.MeshIP, err = parseAddr(r.MeshIP); err != nil {
		return nil, err
	}
	if c.InternalIP, err = parseAddr(r.InternalIP); err != nil {
		return nil, err
	}
	if c.InternalIPv6, err = parseAddr(r.InternalIPv6); err != nil {
		return nil, err
	}
	return c, nil
}

// parseAddr accepts the text form of the zero Addr.
func parseAddr(s string) (netip.Addr, error) {
	if s == "" || s == "invalid IP" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}

type SqlStore struct {
	db *gorm.DB
}

func NewSqlStore(path string) (*SqlStore, error) {
	if path == "" {
		return nil, errors.New("sqlite db file path required")
	}

	db, err := gorm.Open(
		sqlite.Open(path+"?cache=shared&_journal_mode=WAL&_synchronous=1"),
		&gorm.Config{
			PrepareStmt: true,
			Logger:      logger.Default.LogMode(logger.Error),
		})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&clientRow{})
	if err != nil {
		return nil, err
	}

	return &SqlStore{
		db: db,
	}, nil
}

func (s *SqlStore) GetClients() ([]*Client, error) {
	var rows []clientRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	clients := make([]*Client, 0, len(rows))
	for i := range rows {
		c, err := rows[i].client()
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (s *SqlStore) GetClientByPublicKey(key types.PublicKey) (*Client, error) {
	row := &clientRow{}
	if err := s.db.Where("public_key = ?", key.String()).First(row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.client()
}

func (s *SqlStore) CreateClient(c *Client) error {
	if _, err := s.GetClientByPublicKey(c.PublicKey); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	row := toRow(c)
	if err := s.db.Create(row).Error; err != nil {
		return err
	}
	c.ID = row.ID
	c.CreatedAt = row.CreatedAt
	c.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *SqlStore) UpdateClient(c *Client) error {
	if c.ID == 0 {
		existing, err := s.GetClientByPublicKey(c.PublicKey)
		if err != nil {
			return err
		}
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}
	row := toRow(c)
	if err := s.db.Save(row).Error; err != nil {
		return err
	}
	c.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *SqlStore) DeleteClient(key types.PublicKey) error {
	res := s.db.Where("public_key = ?", key.String()).Delete(&clientRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqlStore) GetAllocatedIPs() ([]netip.Addr, error) {
	var internal []string
	if err := s.db.Model(&clientRow{}).Pluck("internal_ip", &internal).Error; err != nil {
		return nil, err
	}

	var ips []netip.Addr
	for _, s := range internal {
		ip, err := parseAddr(s)
		if err != nil {
			return nil, err
		}
		if ip.IsValid() {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (s *SqlStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
