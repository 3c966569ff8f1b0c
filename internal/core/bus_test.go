package core

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type recordingMirror struct {
	events []string
	err    error
	closed bool
}

func (m *recordingMirror) Publish(event string, _ any) error {
	m.events = append(m.events, event)
	return m.err
}

func (m *recordingMirror) Close() error {
	m.closed = true
	return nil
}

// ─── EventBus ────────────────────────────────────────────────────────────────

func TestEventBus_DeliversInOrder(t *testing.T) {
	b := NewEventBus(zerolog.Nop(), nil)
	var got []string
	b.On("x", func(p any) { got = append(got, "first:"+p.(string)) })
	b.On("x", func(p any) { got = append(got, "second:"+p.(string)) })
	b.On("y", func(any) { t.Error("handler for other event called") })

	b.Emit("x", "payload")
	if len(got) != 2 || got[0] != "first:payload" || got[1] != "second:payload" {
		t.Errorf("got = %v", got)
	}
}

func TestEventBus_EmitWithoutHandlers(t *testing.T) {
	b := NewEventBus(zerolog.Nop(), nil)
	b.Emit("nobody-listens", 1)
}

func TestEventBus_PanicIsolation(t *testing.T) {
	b := NewEventBus(zerolog.Nop(), nil)
	calls := 0
	b.On("x", func(any) { panic("bad subscriber") })
	b.On("x", func(any) { calls++ })

	b.Emit("x", nil)
	b.Emit("x", nil)
	if calls != 2 {
		t.Errorf("healthy subscriber calls = %d, want 2", calls)
	}
}

func TestEventBus_Mirror(t *testing.T) {
	b := NewEventBus(zerolog.Nop(), nil)
	m := &recordingMirror{err: errors.New("unreachable")}
	b.Mirror(m)

	b.Emit(EventNewAlert, 1)
	b.Emit(EventStatsUpdate, 2)
	if len(m.events) != 2 || m.events[0] != EventNewAlert {
		t.Errorf("mirrored = %v", m.events)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.closed {
		t.Error("mirror not closed")
	}
}

// ─── NATS Mirror ─────────────────────────────────────────────────────────────

func TestNATSMirror_EmbeddedPublish(t *testing.T) {
	cfg := DefaultConfig().Bus.NATS
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.DataDir = t.TempDir()

	m, err := NewNATSMirror(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("embedded NATS unavailable: %v", err)
	}
	defer m.Close()

	nc, err := nats.Connect(m.ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("tailguard.>")
	if err != nil {
		t.Fatal(err)
	}
	nc.Flush()

	if got := m.Subject(EventNewAlert); got != "tailguard.new_alert" {
		t.Errorf("Subject() = %q", got)
	}
	if err := m.Publish(EventNewAlert, map[string]int{"id": 7}); err != nil {
		t.Fatal(err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		ID      string         `json:"id"`
		Event   string         `json:"event"`
		Payload map[string]int `json:"payload"`
	}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatal(err)
	}
	if env.ID == "" || env.Event != EventNewAlert || env.Payload["id"] != 7 {
		t.Errorf("envelope = %+v", env)
	}
}
