// Package dao caches whether identities are members of the authorities
// (subnet DAOs) this node enforces.
//
// Entries are cached for a configurable time, so adding someone to an
// authority may take up to that long to take effect.
package dao

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/caldog20/calmesh/events"
	"github.com/caldog20/calmesh/types"
)

const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultQueryTimeout = 8 * time.Second
)

var (
	ErrNoEndpoints = errors.New("no authority endpoints configured")
	ErrStopped     = errors.New("dao manager stopped")
)

type Status int

const (
	// StatusUnknown means no fresh answer is cached yet. Callers must treat
	// it as denied.
	StatusUnknown Status = iota
	StatusAuthorized
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusAuthorized:
		return "authorized"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Allowed applies the default-deny policy.
func (s Status) Allowed() bool {
	return s == StatusAuthorized
}

// Entry is the cached membership of one identity on one authority.
type Entry struct {
	Identity    types.Identity
	Authority   types.EthAddress
	OnList      bool
	LastUpdated time.Time
}

type Config struct {
	Enforcement  bool
	Authorities  []types.EthAddress
	Endpoints    []string
	CacheTTL     time.Duration
	QueryTimeout time.Duration
}

type checkRequest struct {
	id    types.Identity
	reply chan Status
}

type membershipResult struct {
	id        types.Identity
	authority types.EthAddress
	onList    bool
	err       error
}

type refreshKey struct {
	id        types.Identity
	authority types.EthAddress
}

// Manager owns the membership cache. All cache state lives in the goroutine
// started by Run and is reached only through channels.
type Manager struct {
	conf    Config
	querier Querier
	events  events.Publisher
	clock   clock.Clock
	log     *slog.Logger

	checks  chan checkRequest
	results chan membershipResult
	done    chan struct{}

	// owned by Run
	entries   map[types.Identity][]*Entry
	endpoints []string
	cursor    int
	inflight  map[refreshKey]struct{}

	// called by Run after a query result has been applied
	onApply func(membershipResult)
}

func NewManager(conf Config, querier Querier, pub events.Publisher, clk clock.Clock, logger *slog.Logger) *Manager {
	if conf.CacheTTL <= 0 {
		conf.CacheTTL = DefaultCacheTTL
	}
	if conf.QueryTimeout <= 0 {
		conf.QueryTimeout = DefaultQueryTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conf:      conf,
		querier:   querier,
		events:    pub,
		clock:     clk,
		log:       logger.With("component", "dao"),
		checks:    make(chan checkRequest),
		results:   make(chan membershipResult),
		done:      make(chan struct{}),
		entries:   make(map[types.Identity][]*Entry),
		endpoints: append([]string(nil), conf.Endpoints...),
		inflight:  make(map[refreshKey]struct{}),
	}
}

// Run serves cache requests until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.checks:
			req.reply <- m.checkCache(ctx, req.id)
		case res := <-m.results:
			m.applyResult(res)
			if m.onApply != nil {
				m.onApply(res)
			}
		}
	}
}

// CheckCache reports whether id is authorized. With enforcement disabled
// everyone is authorized and nothing is looked up.
func (m *Manager) CheckCache(ctx context.Context, id types.Identity) (Status, error) {
	if !m.conf.Enforcement {
		return StatusAuthorized, nil
	}

	req := checkRequest{id: id, reply: make(chan Status, 1)}
	select {
	case m.checks <- req:
	case <-m.done:
		return StatusUnknown, ErrStopped
	case <-ctx.Done():
		return StatusUnknown, ctx.Err()
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-m.done:
		return StatusUnknown, ErrStopped
	case <-ctx.Done():
		return StatusUnknown, ctx.Err()
	}
}

func (m *Manager) fresh(e *Entry) bool {
	return m.clock.Since(e.LastUpdated) < m.conf.CacheTTL
}

// refreshDue reports whether e is past half its TTL. Refreshing from then on
// keeps an entry that is checked regularly from ever going stale.
func (m *Manager) refreshDue(e *Entry) bool {
	return m.clock.Since(e.LastUpdated) >= m.conf.CacheTTL/2
}

func (m *Manager) checkCache(ctx context.Context, id types.Identity) Status {
	list, ok := m.entries[id]
	if !ok {
		m.log.Debug("cache miss, querying all authorities", "peer", id)
		for _, authority := range m.conf.Authorities {
			m.getMembership(ctx, authority, id)
		}
		return StatusUnknown
	}

	known := make(map[types.EthAddress]bool, len(list))
	anyFresh := false
	status := StatusDenied
	for _, e := range list {
		known[e.Authority] = true
		if !m.fresh(e) {
			m.getMembership(ctx, e.Authority, id)
			continue
		}
		anyFresh = true
		if m.refreshDue(e) {
			m.getMembership(ctx, e.Authority, id)
		}
		if e.OnList {
			status = StatusAuthorized
		}
	}
	// authorities whose first query failed
	for _, authority := range m.conf.Authorities {
		if !known[authority] {
			m.getMembership(ctx, authority, id)
		}
	}

	if !anyFresh {
		return StatusUnknown
	}
	if status == StatusDenied {
		m.log.Debug("identity is not on any authority", "peer", id)
	}
	return status
}

// nextEndpoint rotates through the endpoint list.
func (m *Manager) nextEndpoint() (string, error) {
	if len(m.endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	ep := m.endpoints[m.cursor%len(m.endpoints)]
	m.cursor = (m.cursor + 1) % len(m.endpoints)
	return ep, nil
}

// getMembership starts one asynchronous query. At most one query per
// identity and authority is in flight.
func (m *Manager) getMembership(ctx context.Context, authority types.EthAddress, id types.Identity) {
	key := refreshKey{id: id, authority: authority}
	if _, ok := m.inflight[key]; ok {
		return
	}

	endpoint, err := m.nextEndpoint()
	if err != nil {
		m.log.Error("cannot refresh membership", "authority", authority, "error", err)
		return
	}
	m.inflight[key] = struct{}{}

	go func() {
		qctx, cancel := context.WithTimeout(ctx, m.conf.QueryTimeout)
		defer cancel()

		onList, err := m.querier.Query(qctx, endpoint, authority, id)
		res := membershipResult{id: id, authority: authority, onList: onList, err: err}
		select {
		case m.results <- res:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) applyResult(res membershipResult) {
	delete(m.inflight, refreshKey{id: res.id, authority: res.authority})

	if res.err != nil {
		m.log.Warn("membership query failed", "peer", res.id, "authority", res.authority, "error", res.err)
		return
	}

	list := m.entries[res.id]
	wasOn := onAny(list)

	var entry *Entry
	for _, e := range list {
		if e.Authority == res.authority {
			entry = e
			break
		}
	}
	if entry == nil {
		entry = &Entry{Identity: res.id, Authority: res.authority}
		list = append(list, entry)
		m.entries[res.id] = list
	}
	entry.OnList = res.onList
	entry.LastUpdated = m.clock.Now()

	m.log.Debug("membership updated", "peer", res.id, "authority", res.authority, "on_list", res.onList)

	if wasOn && !onAny(list) {
		m.log.Info("identity lost authorization", "peer", res.id)
		if m.events != nil {
			m.events.Publish(events.Event{Type: events.Revoke, Identity: res.id, Time: m.clock.Now()})
		}
	}
}

func onAny(list []*Entry) bool {
	for _, e := range list {
		if e.OnList {
			return true
		}
	}
	return false
}
