package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" TRACE ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       LevelTrace,
		ReplaceAttr: ReplaceLogLevelNames,
	}))
	logger.Log(t.Context(), LevelTrace, "wire payload")
	logger.Debug("detail")

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("trace level not renamed:\n%s", out)
	}
	if !strings.Contains(out, "level=DEBUG") {
		t.Errorf("debug level altered:\n%s", out)
	}
}

func TestConfigLogger(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		want   string
		absent string
	}{
		{name: "text info", cfg: Config{LogFormat: "text"}, want: `msg="turn complete"`, absent: "detail"},
		{name: "json debug", cfg: Config{LogFormat: "json", LogLevel: "debug"}, want: `"msg":"turn complete"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := tt.cfg.Logger(&buf)
			logger.Debug("detail")
			logger.Info("turn complete")

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
			if tt.absent != "" && strings.Contains(out, tt.absent) {
				t.Errorf("output should not contain %q:\n%s", tt.absent, out)
			}
		})
	}
}
