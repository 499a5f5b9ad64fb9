package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/metergate/metergate/internal/budget"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/settings"
)

func drainEvents(conn *Connection) []Event {
	var out []Event
	for {
		select {
		case event, ok := <-conn.Events():
			if !ok {
				return out
			}
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestBroadcastFiltersByTenant(t *testing.T) {
	hub := NewHub(config.NotifyConfig{QueueSize: 4})
	connA := hub.Subscribe("tenant-a")
	connB := hub.Subscribe("tenant-b")

	hub.Broadcast(Event{Type: EventUsage, TenantID: "tenant-a"})
	hub.Broadcast(Event{Type: EventHeartbeat}) // empty tenant reaches all

	eventsA := drainEvents(connA)
	eventsB := drainEvents(connB)
	if len(eventsA) != 2 {
		t.Fatalf("tenant-a: got %d events, want usage + heartbeat", len(eventsA))
	}
	if len(eventsB) != 1 || eventsB[0].Type != EventHeartbeat {
		t.Fatalf("tenant-b: got %+v", eventsB)
	}
}

func TestBroadcastDropsOldestWhenQueueFull(t *testing.T) {
	hub := NewHub(config.NotifyConfig{QueueSize: 2})
	conn := hub.Subscribe("tenant-a")

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(i)
		hub.Broadcast(Event{Type: EventUsage, TenantID: "tenant-a", Payload: payload})
	}

	events := drainEvents(conn)
	if len(events) != 2 {
		t.Fatalf("bounded queue: got %d events, want 2", len(events))
	}
	// The two newest survive; the oldest were dropped.
	var last int
	if errDecode := json.Unmarshal(events[len(events)-1].Payload, &last); errDecode != nil {
		t.Fatalf("decode payload: %v", errDecode)
	}
	if last != 4 {
		t.Fatalf("newest event: got %d, want 4", last)
	}
}

func TestUnsubscribeClosesQueueOnce(t *testing.T) {
	hub := NewHub(config.NotifyConfig{})
	conn := hub.Subscribe("tenant-a")

	hub.Unsubscribe(conn.ID)
	hub.Unsubscribe(conn.ID) // second call is a no-op

	if _, ok := <-conn.Events(); ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatal("registry must be empty")
	}

	// Broadcast after unsubscribe must not panic on the closed channel.
	hub.Broadcast(Event{Type: EventHeartbeat})
}

func TestEvictIdleRemovesStaleConnections(t *testing.T) {
	hub := NewHub(config.NotifyConfig{})
	stale := hub.Subscribe("tenant-a")
	fresh := hub.Subscribe("tenant-a")

	hub.mu.Lock()
	hub.conns[stale.ID].lastSeen = time.Now().Add(-time.Hour)
	hub.mu.Unlock()

	hub.evictIdle()

	if hub.ConnectionCount() != 1 {
		t.Fatalf("registry: got %d connections, want 1", hub.ConnectionCount())
	}
	if _, ok := <-stale.Events(); ok {
		t.Fatal("evicted connection's channel must be closed")
	}
	hub.Touch(fresh.ID)
	hub.Broadcast(Event{Type: EventHeartbeat})
	if len(drainEvents(fresh)) != 1 {
		t.Fatal("surviving connection must still receive events")
	}
}

func TestIntervalsPreferConfigOverrides(t *testing.T) {
	hub := NewHub(config.NotifyConfig{HeartbeatSeconds: 7, IdleTimeoutSeconds: 120})
	if got := hub.heartbeatInterval(); got != 7*time.Second {
		t.Fatalf("heartbeat: got %s, want 7s", got)
	}
	if got := hub.idleTimeout(); got != 120*time.Second {
		t.Fatalf("idle timeout: got %s, want 2m", got)
	}
}

func TestHeartbeatIntervalNeverZero(t *testing.T) {
	// An operator setting of zero must fall back to the default; a zero
	// interval would crash the ping ticker.
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.HeartbeatIntervalSecondsKey: json.RawMessage("0"),
	})
	defer settings.StoreDBConfig(time.Time{}, nil)

	hub := NewHub(config.NotifyConfig{})
	want := time.Duration(settings.DefaultHeartbeatIntervalSeconds) * time.Second
	if got := hub.heartbeatInterval(); got != want {
		t.Fatalf("heartbeat: got %s, want %s", got, want)
	}
}

func TestPublishAlertReachesSubscriberAndForwarder(t *testing.T) {
	hub := NewHub(config.NotifyConfig{})
	conn := hub.Subscribe("tenant-a")

	var forwarded []budget.AlertIntent
	hub.SetForwarder(func(intent budget.AlertIntent) {
		forwarded = append(forwarded, intent)
	})

	intent := budget.AlertIntent{TenantID: "tenant-a", Period: "monthly", Threshold: 80}
	hub.PublishAlert(intent)

	events := drainEvents(conn)
	if len(events) != 1 || events[0].Type != EventBudgetAlert {
		t.Fatalf("subscriber: got %+v", events)
	}
	var delivered budget.AlertIntent
	if errDecode := json.Unmarshal(events[0].Payload, &delivered); errDecode != nil {
		t.Fatalf("decode alert: %v", errDecode)
	}
	if delivered.Threshold != 80 {
		t.Fatalf("delivered threshold: got %d", delivered.Threshold)
	}
	if len(forwarded) != 1 || forwarded[0].Threshold != 80 {
		t.Fatalf("forwarder: got %+v", forwarded)
	}
}
