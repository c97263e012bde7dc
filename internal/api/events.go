package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/thane-toolloop/internal/events"
)

const (
	eventBuffer  = 128
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only loop telemetry served to local
	// dashboards on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilter narrows the stream to some kinds and one session.
type eventFilter struct {
	kinds     map[string]bool
	sessionID string
}

func parseEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{sessionID: q.Get("session_id")}
	if v := q.Get("kinds"); v != "" {
		f.kinds = make(map[string]bool)
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.kinds[k] = true
			}
		}
	}
	return f
}

func (f eventFilter) match(e events.Event) bool {
	if f.kinds != nil && !f.kinds[e.Kind] {
		return false
	}
	if f.sessionID != "" {
		if sid, _ := e.Data["session_id"].(string); sid != f.sessionID {
			return false
		}
	}
	return true
}

// handleEvents streams bus events to a websocket client as JSON text
// frames. ?kinds=a,b and ?session_id=x filter the stream. Events the
// client is too slow to take are dropped by the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	filter := parseEventFilter(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(sub)
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	// The reader only watches for the client going away and answers
	// pings; clients send nothing we act on.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event stream closed by client", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				return
			}
			if !filter.match(e) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
