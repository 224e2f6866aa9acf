package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"dustrak-core/internal/metrics"
	"dustrak-core/internal/store"
)

// SourceLister is the registry read the manager needs.
type SourceLister interface {
	ListDataSources(ctx context.Context) ([]*store.DataSource, error)
}

// SourceState describes one data source connection for health reporting.
type SourceState struct {
	DataSourceID int64  `json:"data_source_id"`
	Connected    bool   `json:"connected"`
	LastError    string `json:"last_error,omitempty"`
	Disabled     string `json:"disabled,omitempty"` // configuration error, connection not started
}

// Manager keeps one Conn per broker data source.
type Manager struct {
	sources SourceLister
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	ctx     context.Context
	handler Handler
	conns   map[int64]*Conn
	invalid map[int64]string // data sources rejected with ErrConfiguration
}

// NewManager creates a manager. Connections start with Start.
func NewManager(sources SourceLister, opts Options, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		sources: sources,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "broker"),
		metrics: m,
		conns:   make(map[int64]*Conn),
		invalid: make(map[int64]string),
	}
}

// Start records the handler and connects every broker data source in the registry.
func (m *Manager) Start(ctx context.Context, h Handler) error {
	m.mu.Lock()
	m.ctx = ctx
	m.handler = h
	m.mu.Unlock()
	return m.Sync(ctx)
}

// Sync reconciles running connections with the registry: new broker sources
// are started, and connections or configuration errors whose source is gone
// are dropped.
func (m *Manager) Sync(ctx context.Context) error {
	sources, err := m.sources.ListDataSources(ctx)
	if err != nil {
		return fmt.Errorf("list data sources: %w", err)
	}

	want := make(map[int64]bool, len(sources))
	for _, ds := range sources {
		if ds.Kind != store.KindBroker {
			continue
		}
		want[ds.ID] = true
		if err := m.Add(ds); err != nil && !errors.Is(err, ErrConfiguration) {
			return err
		}
	}

	m.mu.Lock()
	var stale []int64
	for id := range m.conns {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	for id := range m.invalid {
		if !want[id] {
			delete(m.invalid, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.Remove(id)
	}
	return nil
}

// Add starts a connection for ds unless one is already running. Sources of
// other kinds are ignored. A configuration error is logged once per source.
func (m *Manager) Add(ds *store.DataSource) error {
	if ds.Kind != store.KindBroker {
		m.logger.Debug("skipping non-broker data source", "source", ds.ID, "kind", ds.Kind)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		return errors.New("broker manager not started")
	}
	if _, ok := m.conns[ds.ID]; ok {
		return nil
	}
	if _, ok := m.invalid[ds.ID]; ok {
		return fmt.Errorf("data source %d: %w", ds.ID, ErrConfiguration)
	}

	conn, err := NewConn(ds, m.handler, m.opts, m.logger, m.metrics)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			m.invalid[ds.ID] = err.Error()
			m.logger.Error("data source not started", "source", ds.ID, "err", err)
		}
		return err
	}
	m.conns[ds.ID] = conn
	conn.Start(m.ctx)
	m.logger.Info("data source connection started", "source", ds.ID, "broker", conn.url)
	return nil
}

// Remove stops and forgets the connection for a data source.
func (m *Manager) Remove(id int64) {
	m.mu.Lock()
	conn := m.conns[id]
	delete(m.conns, id)
	delete(m.invalid, id)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.logger.Info("data source connection stopped", "source", id)
	}
	m.metrics.Forget(id)
}

// Publish sends a control payload to the devices of one data source.
func (m *Manager) Publish(dataSourceID int64, payload []byte) error {
	m.mu.Lock()
	conn := m.conns[dataSourceID]
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("data source %d: %w", dataSourceID, ErrNotConnected)
	}
	return conn.PublishControl(payload)
}

// States returns the state of every known broker data source, ordered by ID.
func (m *Manager) States() []SourceState {
	m.mu.Lock()
	states := make([]SourceState, 0, len(m.conns)+len(m.invalid))
	for id, c := range m.conns {
		states = append(states, SourceState{DataSourceID: id, Connected: c.Connected(), LastError: c.LastError()})
	}
	for id, reason := range m.invalid {
		states = append(states, SourceState{DataSourceID: id, Disabled: reason})
	}
	m.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].DataSourceID < states[j].DataSourceID })
	return states
}

// Stop closes every connection in parallel and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			c.Close()
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("broker connections stopped", "count", len(conns))
}
