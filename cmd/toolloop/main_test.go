package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/thane-toolloop/internal/usage"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "toolloop ") {
		t.Errorf("version output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run -o json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Errorf("version JSON missing version: %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout bytes.Buffer
		if err := run(context.Background(), &stdout, &bytes.Buffer{}, args); err != nil {
			t.Errorf("run %v: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: toolloop") {
			t.Errorf("run %v printed %q", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown command", args: []string{"frobnicate"}, want: "unknown command: frobnicate"},
		{name: "unknown flag", args: []string{"-verbose"}, want: "unknown flag: -verbose"},
		{name: "bad output", args: []string{"-o", "yaml", "version"}, want: "unknown output format"},
		{name: "ask without question", args: []string{"ask"}, want: "usage: toolloop ask"},
		{name: "missing config", args: []string{"-config", "/nonexistent/config.yaml", "tools"}, want: "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run %v = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

// fakeOllama replays canned assistant replies, one per chat request.
type fakeOllama struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	reply := f.replies[min(f.calls, len(f.replies)-1)]
	f.calls++
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model":             "tiny",
		"message":           map[string]any{"role": "assistant", "content": reply},
		"done":              true,
		"prompt_eval_count": 100,
		"eval_count":        10,
	})
}

func writeConfig(t *testing.T, ollamaURL string) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfg := fmt.Sprintf(`
models:
  default: tiny
  ollama_url: %s
  available:
    - name: tiny
      text_tool_calling: true
      max_iterations: 4
data_dir: %s
log_level: warn
`, ollamaURL, dataDir)
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}

func TestRun_AskRunsTextToolLoop(t *testing.T) {
	ollama := &fakeOllama{replies: []string{
		"tool_call_name: get_current_time\ntool_call_arguments: {\"timezone\": \"UTC\"}",
		"It is a fine time of day.",
	}}
	srv := httptest.NewServer(ollama)
	defer srv.Close()
	cfgPath, dataDir := writeConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "ask", "what", "time", "is", "it?"})
	if err != nil {
		t.Fatalf("run ask: %v\nstderr: %s", err, stderr.String())
	}

	var out struct {
		Text       string `json:"text"`
		Runner     string `json:"runner"`
		Iterations int    `json:"iterations"`
		ToolCalls  int    `json:"tool_calls"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, stdout.String())
	}
	if out.Text != "It is a fine time of day." {
		t.Errorf("text = %q", out.Text)
	}
	if out.Runner != "text_loop" || out.Iterations != 2 || out.ToolCalls != 1 {
		t.Errorf("outcome = %+v, want text_loop with 2 iterations and 1 tool call", out)
	}
	if !strings.Contains(stderr.String(), "get_current_time") {
		t.Errorf("tool progress not reported on stderr: %s", stderr.String())
	}

	store, err := usage.Open(filepath.Join(dataDir, "usage.db"))
	if err != nil {
		t.Fatalf("open usage: %v", err)
	}
	defer store.Close()
	sum, err := store.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Turns != 1 || sum.ToolCalls != 1 || sum.InputTokens != 200 {
		t.Errorf("usage summary = %+v, want one turn with 1 tool call and 200 input tokens", sum)
	}
}

func TestRun_Tools(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")

	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-config", cfgPath, "tools"}); err != nil {
		t.Fatalf("run tools: %v", err)
	}
	for _, want := range []string{"get_current_time", "wait", "mcp_list_tools", "mcp_invoke_tool"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("tools output missing %s:\n%s", want, stdout.String())
		}
	}
}

func TestModelBehaviors(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	b, ok := modelBehaviors(cfg)["tiny"]
	if !ok || !b.TextToolCalling || b.MaxIterations != 4 {
		t.Errorf("behavior = %+v, %v", b, ok)
	}
}
