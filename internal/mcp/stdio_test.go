package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It runs as a tiny MCP server
// when re-executed by helperTransport.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Getenv("HELPER_MODE")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		switch {
		case mode == "silent":
			continue
		case mode == "exit":
			os.Exit(3)
		case req.Method == "initialize":
			fmt.Fprintln(os.Stderr, "helper starting")
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"%s","serverInfo":{"name":"helper","version":"0"}}}`+"\n", *req.ID, protocolVersion)
		case req.Method == "tools/list":
			fmt.Println(`{"jsonrpc":"2.0","method":"notifications/message"}`)
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"echo","description":"Echo input"}]}}`+"\n", *req.ID)
		case req.Method == "tools/call":
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"echoed"}]}}`+"\n", *req.ID)
		default:
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`+"\n", *req.ID)
		}
	}
	os.Exit(0)
}

func helperTransport(t *testing.T, mode string) *StdioTransport {
	t.Helper()
	env := []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode}
	tr := NewStdioTransport(os.Args[0], []string{"-test.run=TestHelperProcess"}, env, testLogger())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	tr := helperTransport(t, "")
	c := NewClient("helper", tr, 5*time.Second, testLogger())
	ctx := context.Background()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	list, err := c.Tools(ctx)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(list) != 1 || list[0].Name != "echo" {
		t.Fatalf("Tools = %+v", list)
	}
	out, err := c.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "echoed" {
		t.Errorf("CallTool = %q, want echoed", out)
	}

	var rpcErr *RPCError
	if err := c.Ping(ctx); !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Errorf("Ping error = %v, want method not found", err)
	}
}

func TestStdioTransport_ProcessExitFailsPendingCall(t *testing.T) {
	tr := helperTransport(t, "exit")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Call(ctx, newRequest(1, "initialize", nil))
	if !errors.Is(err, errProcessExited) {
		t.Errorf("Call = %v, want errProcessExited", err)
	}
}

func TestStdioTransport_CallRespectsContext(t *testing.T) {
	tr := helperTransport(t, "silent")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Call(ctx, newRequest(1, "ping", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call = %v, want context.DeadlineExceeded", err)
	}
	tr.mu.Lock()
	pending := len(tr.pending)
	tr.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d after timeout, want 0", pending)
	}
}

func TestStdioTransport_CloseUnstarted(t *testing.T) {
	tr := NewStdioTransport("true", nil, nil, testLogger())
	if err := tr.Close(); err != nil {
		t.Errorf("Close = %v, want nil", err)
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport("/nonexistent/mcp-server", nil, nil, testLogger())
	_, err := tr.Call(context.Background(), newRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("Call should fail when the command cannot start")
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name    string
		spec    ServerSpec
		wantErr bool
	}{
		{name: "stdio", spec: ServerSpec{Name: "a", Command: "srv"}},
		{name: "http", spec: ServerSpec{Name: "b", Transport: "http", URL: "http://localhost:1"}},
		{name: "stdio without command", spec: ServerSpec{Name: "c", Transport: "stdio"}, wantErr: true},
		{name: "http without url", spec: ServerSpec{Name: "d", Transport: "http"}, wantErr: true},
		{name: "unknown", spec: ServerSpec{Name: "e", Transport: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransport(tt.spec, testLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTransport err = %v, wantErr %v", err, tt.wantErr)
			}
			if tr != nil {
				tr.Close()
			}
		})
	}
}
