// Package stunrequest implements one outstanding STUN transaction
// (Requester) and the process-wide registry that routes incoming STUN
// responses back to their originating Requester (Manager).
package stunrequest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
)

// Manager is a registry from transaction ID to the Requester that owns
// it. It is not a hidden package-level singleton (see DESIGN.md): hosts
// create one with NewManager, or use DefaultManager for the common case
// of a single client per process. Lookup and mutation are guarded by a
// plain mutex; dispatch happens outside the lock, since a delegate
// callback must never run while the lock is held.
type Manager struct {
	log *zap.Logger

	mu    sync.Mutex
	byTxn map[stun.TransactionID]*Requester

	metrics *managerMetrics
}

// Options configures a Manager.
type Options struct {
	Log      *zap.Logger
	Labels   prometheus.Labels
	Registry MetricsRegistry
}

// MetricsRegistry is the subset of prometheus.Registerer this package
// depends on, so callers can pass *prometheus.Registry directly.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// NewManager creates a Manager. A nil logger defaults to zap.NewNop().
func NewManager(o Options) *Manager {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	m := &Manager{
		log:     o.Log.Named("stunrequest.manager"),
		byTxn:   make(map[stun.TransactionID]*Requester),
		metrics: newManagerMetrics(o.Labels),
	}
	if o.Registry != nil {
		_ = o.Registry.Register(m.metrics)
	}
	return m
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// DefaultManager returns a process-wide Manager instance, created
// lazily on first use, for hosts that only ever run one STUN client
// per process.
func DefaultManager() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager(Options{})
	})
	return defaultManager
}

// monitorStart registers r under its request's transaction ID. It is
// an error (logged, not returned — callers cannot meaningfully react)
// for a transaction ID to collide; this should be made effectively
// impossible by stun.NewTransactionID's randomness.
func (m *Manager) monitorStart(r *Requester, txID stun.TransactionID) {
	m.mu.Lock()
	if _, exists := m.byTxn[txID]; exists {
		m.log.Error("transaction id collision", zap.Binary("txn", txID[:]))
	}
	m.byTxn[txID] = r
	m.mu.Unlock()
}

// monitorStop removes r's registration, if present.
func (m *Manager) monitorStop(txID stun.TransactionID) {
	m.mu.Lock()
	delete(m.byTxn, txID)
	m.mu.Unlock()
}

// HandleSTUNMessage looks up the Requester owning msg's transaction ID
// and, if found, dispatches msg to it. The dispatch itself happens
// outside the registry lock. Returns false if no Requester is
// currently registered for this transaction — not an error, just "not
// handled".
func (m *Manager) HandleSTUNMessage(from stun.Addr, msg *stun.Message) bool {
	m.mu.Lock()
	r, ok := m.byTxn[msg.TransactionID]
	m.mu.Unlock()
	if !ok {
		m.metrics.incUnknown()
		return false
	}
	return r.handleSTUNMessage(from, msg)
}

// HandlePacket decodes raw as a STUN message under each of allowedRFCs
// in turn (stopping at the first that parses) and dispatches it.
// Returns false if decoding fails under every variant or no Requester
// is registered for the decoded transaction ID.
func (m *Manager) HandlePacket(from stun.Addr, raw []byte, allowedRFCs []stun.RFC) bool {
	for _, rfc := range allowedRFCs {
		msg, err := stun.Decode(raw, rfc)
		if err != nil {
			continue
		}
		return m.HandleSTUNMessage(from, msg)
	}
	m.metrics.incInvalid()
	return false
}

// Stats is a snapshot of Manager counters.
type Stats struct {
	Outstanding int
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Outstanding: len(m.byTxn)}
}
