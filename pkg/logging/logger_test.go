package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// restoreGlobals puts back the root logger and level replaced by Setup.
func restoreGlobals(t *testing.T) {
	t.Helper()
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

// lines decodes JSON log output.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Expected JSON log line, got %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level info, got %s", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Expected JSON output by default")
	}
	if cfg.Service != DefaultService {
		t.Errorf("Expected service %q, got %q", DefaultService, cfg.Service)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   LogLevel
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{LevelDebug, zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{LevelError, zerolog.ErrorLevel, false},
		{"trace", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSetup_StampsServiceAndVersion(t *testing.T) {
	restoreGlobals(t)
	buf := &bytes.Buffer{}

	Setup(Config{Level: LevelInfo, Output: buf, Service: "storefront-cache", Version: "1.4.2"})
	logger := NewLogger("ratelimit")
	logger.Warn().Str("rule", "auth-login").Msg("Rate limit exceeded")

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("Expected one line, got %d", len(got))
	}
	want := map[string]any{
		"service":   "storefront-cache",
		"version":   "1.4.2",
		"component": "ratelimit",
		"rule":      "auth-login",
		"level":     "warn",
	}
	for k, v := range want {
		if got[0][k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, got[0][k])
		}
	}
	if _, ok := got[0]["time"]; !ok {
		t.Error("Expected timestamp field")
	}
}

func TestSetup_OmitsEmptyVersion(t *testing.T) {
	restoreGlobals(t)
	buf := &bytes.Buffer{}

	Setup(Config{Level: LevelInfo, Output: buf})
	logger := NewLogger("cache")
	logger.Info().Msg("Cache backend connected")

	got := lines(t, buf)
	if _, ok := got[0]["version"]; ok {
		t.Errorf("Expected no version field, got %v", got[0])
	}
	if _, ok := got[0]["service"]; ok {
		t.Errorf("Expected no service field, got %v", got[0])
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	restoreGlobals(t)
	buf := &bytes.Buffer{}

	Setup(Config{Level: LevelWarn, Output: buf})
	logger := NewLogger("respcache")
	logger.Debug().Msg("Response stored")
	logger.Info().Msg("Response cached")
	logger.Warn().Msg("Cache write failed")
	logger.Error().Msg("Backend unreachable")

	output := buf.String()
	for _, msg := range []string{"Response stored", "Response cached"} {
		if strings.Contains(output, msg) {
			t.Errorf("Expected %q to be filtered at warn level", msg)
		}
	}
	for _, msg := range []string{"Cache write failed", "Backend unreachable"} {
		if !strings.Contains(output, msg) {
			t.Errorf("Expected %q at warn level, got %q", msg, output)
		}
	}
}

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	restoreGlobals(t)
	buf := &bytes.Buffer{}

	Setup(Config{Level: "verbose", Output: buf})

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("Expected info level, got %v", zerolog.GlobalLevel())
	}
	if !strings.Contains(buf.String(), "Falling back to info level") {
		t.Errorf("Expected fallback warning, got %q", buf.String())
	}
}

func TestSetup_Pretty(t *testing.T) {
	restoreGlobals(t)
	buf := &bytes.Buffer{}

	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf, Service: "storefront-cache"})
	logger := NewLogger("server")
	logger.Info().Msg("Server started")

	output := buf.String()
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("Expected console output, got %q", output)
	}
	if !strings.Contains(output, "Server started") || !strings.Contains(output, "storefront-cache") {
		t.Errorf("Expected message and service in console output, got %q", output)
	}
}
