package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":       zerolog.TraceLevel,
		"diagnostics": zerolog.TraceLevel,
		" Debug ":     zerolog.DebugLevel,
		"warning":     zerolog.WarnLevel,
		"off":         zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok {
			t.Fatalf("expected %q to parse", raw)
		}
		if got != want {
			t.Fatalf("level %q: got %v want %v", raw, got, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogTimestamp, "nope")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.JSON {
		t.Fatalf("expected json output enabled")
	}
	if !cfg.Timestamp {
		t.Fatalf("invalid bool override must keep runtime default")
	}
}

func TestNewJSONLoggerWritesAppField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Info().Str("target", "client").Msg("acquire.reused")

	out := buf.String()
	if !strings.Contains(out, `"app":"edgeprov"`) || !strings.Contains(out, `"target":"client"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
	logger.Debug().Msg("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line must be filtered at info level")
	}
}
