package localapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"yesman/internal/bus"
	"yesman/internal/protocol"
)

func dialStream(t *testing.T, url string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return msg
}

func TestStream_DeliversBusEvents(t *testing.T) {
	b := bus.New(0, nil)
	s := NewServer(Deps{Supervisor: newFakeSupervisor(), Bus: b})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, ctx := dialStream(t, url)

	// Wait for the subscription to land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	b.Publish(bus.Event{
		Kind:      bus.KindPromptDetected,
		SessionID: "work",
		Payload:   map[string]any{"kind": "yes_no"},
	})

	msg := readEvent(t, ctx, conn)
	if msg.Type != "event" || msg.Op != string(bus.KindPromptDetected) {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	var payload protocol.EventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.SessionID != "work" || payload.Kind != string(bus.KindPromptDetected) {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.At.IsZero() {
		t.Fatal("event timestamp missing")
	}
}

func TestStream_KindFilterExcludesOtherEvents(t *testing.T) {
	b := bus.New(0, nil)
	s := NewServer(Deps{Supervisor: newFakeSupervisor(), Bus: b})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?kinds=response.sent&sessions=work"
	conn, ctx := dialStream(t, url)

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	b.Publish(bus.Event{Kind: bus.KindPromptDetected, SessionID: "work"})
	b.Publish(bus.Event{Kind: bus.KindResponseSent, SessionID: "other"})
	b.Publish(bus.Event{Kind: bus.KindResponseSent, SessionID: "work", Payload: map[string]any{"response": "y"}})

	msg := readEvent(t, ctx, conn)
	if msg.Op != string(bus.KindResponseSent) {
		t.Fatalf("filter leaked: %+v", msg)
	}
	var payload protocol.EventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SessionID != "work" {
		t.Fatalf("unexpected payload: %+v %v", payload, err)
	}
}
