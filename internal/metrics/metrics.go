package metrics

import "sync"

// Counter names incremented by the relay engine and WebSocket server.
const (
	EventSessionsOpened   = "sessions_opened"
	EventSessionsClosed   = "sessions_closed"
	EventIdentitiesBound  = "identities_bound"
	EventMessagePersisted = "messages_persisted"
	EventMessageDelivered = "messages_delivered"
	EventMessageError     = "message_errors"
	EventReadReceipt      = "read_receipts"
	EventSignalRelayed    = "signals_relayed"
	EventSignalDropped    = "signals_dropped"
	EventRoutingMiss      = "routing_misses"
	EventAuthFailure      = "auth_failures"
	EventRateLimited      = "rate_limited"
	EventSendQueueOverrun = "send_queue_overruns"
)

// Metrics is a minimal, concurrency-safe counter registry. Counters are
// exported in Prometheus text format by PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
