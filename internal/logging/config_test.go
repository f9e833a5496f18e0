package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		if !ok || got != want {
			t.Fatalf("expected %s for %q, got %s ok=%v", want, in, got, ok)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogTimestamp, "nope")

	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %s", cfg.Level)
	}
	if !cfg.JSON {
		t.Fatalf("expected json output enabled")
	}
	if !cfg.Timestamp {
		t.Fatalf("expected invalid bool to keep runtime timestamp default")
	}
}
