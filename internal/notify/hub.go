package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/budget"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/settings"
	log "github.com/sirupsen/logrus"
)

// Event types delivered to subscribers.
const (
	EventBudgetAlert = "budget_alert"
	EventUsage       = "usage"
	EventHeartbeat   = "heartbeat"
)

// Event is one message delivered to a subscribed connection.
type Event struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// Connection is one subscriber's bounded delivery queue. The hub owns the
// lifecycle; transports only read from Events and report liveness via Touch.
type Connection struct {
	ID       string
	TenantID string

	ch       chan Event
	lastSeen time.Time // guarded by the hub mutex
}

// Events returns the connection's delivery channel. It is closed exactly
// once, by the hub, on unsubscribe or eviction.
func (c *Connection) Events() <-chan Event {
	return c.ch
}

// Hub fans out budget alerts and usage events to subscribed connections.
//
// The registry is owned exclusively by the hub: all registration, delivery
// and eviction happens under one mutex, so a connection is never closed
// twice and never written after close. Delivery never blocks the caller; a
// full queue drops its oldest event first.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Connection

	queueSize int
	forward   func(budget.AlertIntent) // optional cross-instance publisher

	// Config-file overrides; zero means use the runtime DB setting.
	heartbeatOverride time.Duration
	idleOverride      time.Duration
}

// NewHub constructs a Hub.
func NewHub(cfg config.NotifyConfig) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultQueueSize
	}
	return &Hub{
		conns:             make(map[string]*Connection),
		queueSize:         queueSize,
		heartbeatOverride: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		idleOverride:      time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}
}

// heartbeatInterval resolves the heartbeat period: config override first,
// then the DB setting, then the default. Never zero or negative.
func (h *Hub) heartbeatInterval() time.Duration {
	if h.heartbeatOverride > 0 {
		return h.heartbeatOverride
	}
	interval := time.Duration(settings.IntValue(settings.HeartbeatIntervalSecondsKey, settings.DefaultHeartbeatIntervalSeconds)) * time.Second
	if interval <= 0 {
		return time.Duration(settings.DefaultHeartbeatIntervalSeconds) * time.Second
	}
	return interval
}

// idleTimeout resolves the eviction window the same way. Zero disables
// eviction.
func (h *Hub) idleTimeout() time.Duration {
	if h.idleOverride > 0 {
		return h.idleOverride
	}
	return time.Duration(settings.IntValue(settings.ConnectionIdleTimeoutSecondsKey, settings.DefaultConnectionIdleTimeoutSeconds)) * time.Second
}

// SetForwarder installs a cross-instance alert publisher (the Redis bridge).
func (h *Hub) SetForwarder(forward func(budget.AlertIntent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = forward
}

// Subscribe registers a new connection scoped to one tenant.
func (h *Hub) Subscribe(tenantID string) *Connection {
	conn := &Connection{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		ch:       make(chan Event, h.queueSize),
		lastSeen: time.Now(),
	}
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	log.Debugf("notify: connection %s subscribed for tenant %s", conn.ID, tenantID)
	return conn
}

// Unsubscribe removes a connection and closes its queue. Safe to call for
// already-removed connections.
func (h *Hub) Unsubscribe(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[connectionID]; ok {
		delete(h.conns, connectionID)
		close(conn.ch)
	}
}

// Touch records a liveness ping for a connection.
func (h *Hub) Touch(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[connectionID]; ok {
		conn.lastSeen = time.Now()
	}
}

// ConnectionCount reports the registry size.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// PublishAlert broadcasts a threshold alert to the tenant's subscribers and,
// when a bridge is installed, to the other instances.
func (h *Hub) PublishAlert(intent budget.AlertIntent) {
	h.broadcastAlert(intent)

	h.mu.Lock()
	forward := h.forward
	h.mu.Unlock()
	if forward != nil {
		forward(intent)
	}
}

// broadcastAlert delivers an alert to local subscribers only. The Redis
// bridge calls this for remote intents so they do not loop back out.
func (h *Hub) broadcastAlert(intent budget.AlertIntent) {
	payload, errMarshal := json.Marshal(intent)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("notify: marshal alert failed")
		return
	}
	h.Broadcast(Event{
		Type:     EventBudgetAlert,
		TenantID: intent.TenantID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	})
}

// BroadcastUsage delivers a usage payload to one tenant's subscribers.
func (h *Hub) BroadcastUsage(tenantID string, payload interface{}) {
	raw, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("notify: marshal usage payload failed")
		return
	}
	h.Broadcast(Event{
		Type:     EventUsage,
		TenantID: tenantID,
		Payload:  raw,
		SentAt:   time.Now().UTC(),
	})
}

// Broadcast delivers an event to every connection subscribed to its tenant.
// An empty TenantID reaches all connections. Never blocks: a full queue
// drops its oldest event to admit the new one.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		if event.TenantID != "" && conn.TenantID != event.TenantID {
			continue
		}
		h.offer(conn, event)
	}
}

// offer enqueues without blocking; caller holds the hub mutex, so close
// cannot race the sends.
func (h *Hub) offer(conn *Connection, event Event) {
	select {
	case conn.ch <- event:
		return
	default:
	}
	// Queue full: make room by discarding the oldest event.
	select {
	case <-conn.ch:
	default:
	}
	select {
	case conn.ch <- event:
	default:
		log.Debugf("notify: dropped event for connection %s", conn.ID)
	}
}

// Start launches the heartbeat and idle-eviction loop.
func (h *Hub) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	go h.run(ctx)
	log.Info("notification hub started")
}

func (h *Hub) run(ctx context.Context) {
	for {
		timer := time.NewTimer(h.heartbeatInterval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			h.closeAll()
			return
		case <-timer.C:
		}
		h.Broadcast(Event{Type: EventHeartbeat, SentAt: time.Now().UTC()})
		h.evictIdle()
	}
}

// evictIdle closes and removes connections that have not pinged within the
// inactivity window. Close and removal happen under the registry lock, so an
// evicted connection can never receive another event.
func (h *Hub) evictIdle() {
	idleTimeout := h.idleTimeout()
	if idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-idleTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.conns {
		if conn.lastSeen.Before(cutoff) {
			delete(h.conns, id)
			close(conn.ch)
			log.Infof("notify: evicted idle connection %s (tenant %s)", id, conn.TenantID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.conns {
		delete(h.conns, id)
		close(conn.ch)
	}
}
