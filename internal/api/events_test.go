package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/thane-toolloop/internal/events"
)

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitSubscribers blocks until the handler has subscribed to the bus.
func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", bus.SubscriberCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleEvents_Streams(t *testing.T) {
	bus := events.New()
	s := testServer(&fakeRunner{})
	s.SetEventBus(bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	waitSubscribers(t, bus, 1)

	bus.Emit(events.SourceTextLoop, events.KindToolCall, map[string]any{"session_id": "s1", "tool": "get_weather"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Kind != events.KindToolCall || e.Source != events.SourceTextLoop || e.Data["tool"] != "get_weather" {
		t.Errorf("event = %+v", e)
	}
}

func TestHandleEvents_Filters(t *testing.T) {
	bus := events.New()
	s := testServer(&fakeRunner{})
	s.SetEventBus(bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "?kinds=turn_complete,nudge&session_id=s2")
	waitSubscribers(t, bus, 1)

	bus.Emit(events.SourceNative, events.KindToolCall, map[string]any{"session_id": "s2"})
	bus.Emit(events.SourceNative, events.KindTurnComplete, map[string]any{"session_id": "other"})
	bus.Emit(events.SourceNative, events.KindTurnComplete, map[string]any{"session_id": "s2", "iterations": 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Kind != events.KindTurnComplete || e.Data["session_id"] != "s2" {
		t.Errorf("first delivered event = %+v, want s2 turn_complete", e)
	}
}

func TestHandleEvents_UnsubscribesOnClose(t *testing.T) {
	bus := events.New()
	s := testServer(&fakeRunner{})
	s.SetEventBus(bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	waitSubscribers(t, bus, 1)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released, count = %d", bus.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventFilter(t *testing.T) {
	tests := []struct {
		query string
		event events.Event
		want  bool
	}{
		{"", events.Event{Kind: events.KindNudge}, true},
		{"kinds=nudge", events.Event{Kind: events.KindNudge}, true},
		{"kinds=nudge,+overflow", events.Event{Kind: events.KindOverflow}, true},
		{"kinds=nudge", events.Event{Kind: events.KindToolCall}, false},
		{"session_id=a", events.Event{Kind: events.KindToolCall, Data: map[string]any{"session_id": "a"}}, true},
		{"session_id=a", events.Event{Kind: events.KindToolCall, Data: map[string]any{"session_id": "b"}}, false},
		{"session_id=a", events.Event{Kind: events.KindToolCall}, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/events?"+tt.query, nil)
		if got := parseEventFilter(r).match(tt.event); got != tt.want {
			t.Errorf("%q match %s = %v, want %v", tt.query, tt.event.Kind, got, tt.want)
		}
	}
}
