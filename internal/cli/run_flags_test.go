package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestParseRunFlagsDefaults(t *testing.T) {
	flags, err := ParseRunFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if flags.ConfigPath != DefaultConfigPath {
		t.Fatalf("expected default config path, got %q", flags.ConfigPath)
	}
	overrides, err := flags.Overrides()
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if len(overrides) != 0 {
		t.Fatalf("expected no overrides, got %v", overrides)
	}
}

func TestParseRunFlagsOverridesOnlySetFlags(t *testing.T) {
	flags, err := ParseRunFlags([]string{
		"-root", "incoming",
		"-url", "http://reports.local/upload",
		"-dry-run",
		"-set", "dispatch.door=Door 2B",
		"-set", "dispatch.timeout_ms=1500",
		"-set", "watch.root=ignored",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	overrides, err := flags.Overrides()
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	want := map[string]any{
		"watch.root":          "incoming",
		"dispatch.url":        "http://reports.local/upload",
		"dispatch.dry-run":    true,
		"dispatch.door":       "Door 2B",
		"dispatch.timeout-ms": int64(1500),
	}
	if len(overrides) != len(want) {
		t.Fatalf("expected %d overrides, got %v", len(want), overrides)
	}
	for key, value := range want {
		if overrides[key] != value {
			t.Fatalf("override %s: expected %v, got %v", key, value, overrides[key])
		}
	}
	if _, ok := overrides["status.addr"]; ok {
		t.Fatal("expected unset flag to stay out of overrides")
	}
}

func TestParseRunFlagsRejectsPositionalArguments(t *testing.T) {
	if _, err := ParseRunFlags([]string{"report"}, io.Discard); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestParseRunFlagsHelpPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	flags, err := ParseRunFlags([]string{"-h"}, &out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Help {
		t.Fatal("expected help flag")
	}
	if !strings.Contains(out.String(), "-status-addr") {
		t.Fatalf("expected usage output, got %q", out.String())
	}
}

func TestParseRunFlagsHelpAndVersionAliases(t *testing.T) {
	cases := map[string]func(RunFlags) bool{
		"-help":     func(flags RunFlags) bool { return flags.Help },
		"--version": func(flags RunFlags) bool { return flags.Version },
		"-v":        func(flags RunFlags) bool { return flags.Version },
	}
	for arg, check := range cases {
		flags, err := ParseRunFlags([]string{arg}, io.Discard)
		if err != nil {
			t.Fatalf("parse %s: %v", arg, err)
		}
		if !check(flags) {
			t.Fatalf("expected %s to be recorded, got %+v", arg, flags)
		}
	}
}

func TestParseConfigOverridesRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"", "dispatch.url", "=value"} {
		if _, err := ParseConfigOverrides([]string{entry}); err == nil {
			t.Fatalf("expected error for %q", entry)
		}
	}
}

func TestParseOverrideValueTypes(t *testing.T) {
	cases := map[string]any{
		"true":    true,
		"FALSE":   false,
		"42":      int64(42),
		"0.5":     0.5,
		"text":    "text",
		"0293204": "0293204",
	}
	for raw, want := range cases {
		if got := parseOverrideValue(raw); got != want {
			t.Fatalf("parse %q: expected %v (%T), got %v (%T)", raw, want, want, got, got)
		}
	}
}
