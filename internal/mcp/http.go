package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/thane-toolloop/internal/httpkit"
)

// sessionHeader carries the server-assigned session between requests.
const sessionHeader = "Mcp-Session-Id"

const maxBody = 16 << 20

// HTTPTransport talks to a streamable-HTTP MCP server: every message is
// a POST, and a reply comes back either as a JSON body or as a
// text/event-stream whose data events hold JSON-RPC messages.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport returns a transport for url. headers are added to
// every request.
func NewHTTPTransport(url string, headers map[string]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		client:  httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
		logger:  logger,
	}
}

// Call posts req and decodes the matching reply.
func (t *HTTPTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, maxBody)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp server returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(resp.Body, req.ID)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &out, nil
}

// readStream scans server-sent events for the reply to id.
func (t *HTTPTransport) readStream(body io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(body, maxBody))
	scanner.Buffer(make([]byte, 0, 64<<10), maxBody)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg Response
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			t.logger.Debug("ignoring undecodable event", "data", data.String())
			return nil, false
		}
		if msg.ID == nil || *msg.ID != id {
			return nil, false
		}
		return &msg, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg, ok := flush(); ok {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a reply to request %d", id)
}

// Notify posts n. Servers answer 202 Accepted, some 200.
func (t *HTTPTransport) Notify(ctx context.Context, n *Notification) error {
	resp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, maxBody)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("mcp server returned %d for notification: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.url, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Close ends the session. The server is told with a DELETE when it
// assigned one; failures are ignored.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if sid == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)
	if resp, err := t.client.Do(req); err == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
	}
	return nil
}
