package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"reportwatch/internal/config/keys"
)

// EnvPrefix marks environment variables that override settings.
// REPORTWATCH_DISPATCH_TIMEOUT_MS maps to dispatch.timeout-ms.
const EnvPrefix = "REPORTWATCH_"

//go:embed defaults.toml
var defaultsPayload []byte

// Defaults returns the embedded default configuration.
func Defaults() []byte {
	return append([]byte(nil), defaultsPayload...)
}

type Settings struct {
	Watch     WatchSettings
	Discovery DiscoverySettings
	Dispatch  DispatchSettings
	Status    StatusSettings
	Log       LogSettings
}

type WatchSettings struct {
	Root       string
	Extensions []string
}

type DiscoverySettings struct {
	InitialScan bool
}

type DispatchSettings struct {
	URL              string
	Action           string
	Door             string
	Details          string
	WiegandID        string
	UserEnrollmentID string
	TimeoutMS        int64
	RatePerSecond    float64
	DryRun           bool
}

// Timeout converts TimeoutMS to a duration.
func (settings DispatchSettings) Timeout() time.Duration {
	return time.Duration(settings.TimeoutMS) * time.Millisecond
}

type StatusSettings struct {
	Addr string
}

type LogSettings struct {
	Level string
}

var stringKeys = []string{
	"watch.root",
	"dispatch.url",
	"dispatch.action",
	"dispatch.door",
	"dispatch.details",
	"dispatch.wiegand-id",
	"dispatch.user-enrollment-id",
	"status.addr",
	"log.level",
}

// LoadSettings layers, lowest first: embedded defaults, the file at path
// (missing files are skipped), REPORTWATCH_* environment variables, then
// overrides.
func LoadSettings(path string, overrides map[string]any) (Settings, error) {
	return loadSettings(path, os.Environ(), overrides)
}

func loadSettings(path string, environ []string, overrides map[string]any) (Settings, error) {
	defaultsStore, err := keys.Decode(defaultsPayload)
	if err != nil {
		return Settings{}, fmt.Errorf("embedded defaults: %w", err)
	}
	defaults := defaultsStore.Flat()
	values := defaultsStore.Flat()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, err
			}
		} else {
			store, err := keys.DecodeFormat(payload, keys.FormatFor(path))
			if err != nil {
				return Settings{}, fmt.Errorf("%s: %w", path, err)
			}
			for key, value := range store.Flat() {
				values[key] = value
			}
		}
	}

	for key, value := range EnvOverrides(environ) {
		values[key] = value
	}

	for key, value := range overrides {
		normalized := keys.NormalizeKey(key)
		if normalized == "" {
			continue
		}
		values[normalized] = value
	}

	if err := checkStringSettings(values, stringKeys...); err != nil {
		return Settings{}, err
	}

	settings := Settings{}

	settings.Watch.Root = stringSetting(values, "watch.root", "")
	settings.Watch.Extensions = listSetting(values, "watch.extensions", nil)
	settings.Discovery.InitialScan = boolSetting(values, "discovery.initial-scan", false)

	settings.Dispatch.URL = stringSetting(values, "dispatch.url", "")
	settings.Dispatch.Action = stringSetting(values, "dispatch.action", "")
	settings.Dispatch.Door = stringSetting(values, "dispatch.door", "")
	settings.Dispatch.Details = stringSetting(values, "dispatch.details", "")
	settings.Dispatch.WiegandID = stringSetting(values, "dispatch.wiegand-id", "")
	settings.Dispatch.UserEnrollmentID = stringSetting(values, "dispatch.user-enrollment-id", "")
	settings.Dispatch.TimeoutMS = intSetting(values, "dispatch.timeout-ms", 0)
	settings.Dispatch.RatePerSecond = floatSetting(values, "dispatch.rate-per-second", 0)
	settings.Dispatch.DryRun = boolSetting(values, "dispatch.dry-run", false)

	settings.Status.Addr = stringSetting(values, "status.addr", "")
	settings.Log.Level = stringSetting(values, "log.level", "")

	return normalizeSettings(settings, defaults), nil
}

// EnvOverrides collects REPORTWATCH_* variables. The first underscore after
// the prefix separates the section from the key.
func EnvOverrides(environ []string) map[string]any {
	overrides := make(map[string]any)
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.TrimPrefix(name, EnvPrefix), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		normalized := keys.NormalizeKey(section + "." + key)
		overrides[normalized] = value
	}
	return overrides
}

func normalizeSettings(settings Settings, defaults map[string]any) Settings {
	if settings.Watch.Root == "" {
		settings.Watch.Root = stringSetting(defaults, "watch.root", "report")
	}
	if len(settings.Watch.Extensions) == 0 {
		settings.Watch.Extensions = listSetting(defaults, "watch.extensions", nil)
	}
	if settings.Dispatch.Action == "" {
		settings.Dispatch.Action = stringSetting(defaults, "dispatch.action", "")
	}
	if settings.Dispatch.Door == "" {
		settings.Dispatch.Door = stringSetting(defaults, "dispatch.door", "")
	}
	if settings.Dispatch.Details == "" {
		settings.Dispatch.Details = stringSetting(defaults, "dispatch.details", "")
	}
	if settings.Dispatch.WiegandID == "" {
		settings.Dispatch.WiegandID = stringSetting(defaults, "dispatch.wiegand-id", "")
	}
	if settings.Dispatch.UserEnrollmentID == "" {
		settings.Dispatch.UserEnrollmentID = stringSetting(defaults, "dispatch.user-enrollment-id", "")
	}
	if settings.Dispatch.TimeoutMS <= 0 {
		settings.Dispatch.TimeoutMS = intSetting(defaults, "dispatch.timeout-ms", 0)
	}
	if settings.Dispatch.RatePerSecond < 0 {
		settings.Dispatch.RatePerSecond = 0
	}
	if settings.Log.Level == "" {
		settings.Log.Level = stringSetting(defaults, "log.level", "info")
	}
	return settings
}
