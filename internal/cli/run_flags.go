package cli

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"reportwatch/internal/config/keys"
)

const DefaultConfigPath = "reportwatch.toml"

// RunFlags holds the parsed command line of the reportwatch binary.
type RunFlags struct {
	ConfigPath  string
	Root        string
	URL         string
	StatusAddr  string
	LogLevel    string
	DryRun      bool
	InitialScan bool
	Sets        []string
	Help        bool
	Version     bool
	// Set records which flags appeared on the command line.
	Set map[string]bool
}

type overrideList []string

func (o *overrideList) String() string {
	if o == nil {
		return ""
	}
	return strings.Join(*o, ",")
}

func (o *overrideList) Set(value string) error {
	*o = append(*o, value)
	return nil
}

// addHelpVersionFlags binds the short and long help and version switches
// to the same fields.
func addHelpVersionFlags(fs *flag.FlagSet, parsed *RunFlags) {
	const (
		helpDesc    = "Show usage and exit"
		versionDesc = "Print the reportwatch version and exit"
	)
	fs.BoolVar(&parsed.Help, "help", false, helpDesc)
	fs.BoolVar(&parsed.Help, "h", false, helpDesc)
	fs.BoolVar(&parsed.Version, "version", false, versionDesc)
	fs.BoolVar(&parsed.Version, "v", false, versionDesc)
}

// ParseRunFlags parses args (without the program name). Usage and parse
// errors are written to output.
func ParseRunFlags(args []string, output io.Writer) (RunFlags, error) {
	fs := flag.NewFlagSet("reportwatch", flag.ContinueOnError)
	fs.SetOutput(output)

	parsed := RunFlags{}
	var sets overrideList
	fs.StringVar(&parsed.ConfigPath, "config", DefaultConfigPath, "Config file (TOML, or YAML for .yaml/.yml)")
	fs.StringVar(&parsed.Root, "root", "", "Directory watched for submission folders")
	fs.StringVar(&parsed.URL, "url", "", "Report endpoint receiving completed submissions")
	fs.StringVar(&parsed.StatusAddr, "status-addr", "", "Address for the status server (empty disables it)")
	fs.StringVar(&parsed.LogLevel, "log-level", "", "Minimum log level: debug, info, warning, error")
	fs.BoolVar(&parsed.DryRun, "dry-run", false, "Log completed submissions instead of sending them")
	fs.BoolVar(&parsed.InitialScan, "initial-scan", false, "Claim submission folders that already exist at startup")
	fs.Var(&sets, "set", "Override a config key (key=value, repeatable)")
	addHelpVersionFlags(fs, &parsed)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: reportwatch [flags]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return RunFlags{}, err
	}
	if fs.NArg() > 0 {
		return RunFlags{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	parsed.Sets = sets
	parsed.Set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		parsed.Set[f.Name] = true
	})
	if parsed.Help {
		fs.Usage()
	}
	return parsed, nil
}

// Overrides maps the flags that were given to config keys. -set entries
// come first so the dedicated flags win.
func (f RunFlags) Overrides() (map[string]any, error) {
	overrides, err := ParseConfigOverrides(f.Sets)
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = make(map[string]any)
	}
	if f.Set["root"] {
		overrides["watch.root"] = f.Root
	}
	if f.Set["url"] {
		overrides["dispatch.url"] = f.URL
	}
	if f.Set["status-addr"] {
		overrides["status.addr"] = f.StatusAddr
	}
	if f.Set["log-level"] {
		overrides["log.level"] = f.LogLevel
	}
	if f.Set["dry-run"] {
		overrides["dispatch.dry-run"] = f.DryRun
	}
	if f.Set["initial-scan"] {
		overrides["discovery.initial-scan"] = f.InitialScan
	}
	return overrides, nil
}

func ParseConfigOverrides(entries []string) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	overrides := make(map[string]any)
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			return nil, fmt.Errorf("config override cannot be empty")
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, fmt.Errorf("config override must be key=value: %q", entry)
		}
		normalizedKey := keys.NormalizeKey(key)
		if normalizedKey == "" {
			return nil, fmt.Errorf("config override key cannot be empty")
		}
		overrides[normalizedKey] = parseOverrideValue(strings.TrimSpace(value))
	}
	return overrides, nil
}

func parseOverrideValue(value string) any {
	if strings.EqualFold(value, "true") {
		return true
	}
	if strings.EqualFold(value, "false") {
		return false
	}
	// Zero-padded digits are identifiers; numeric settings still parse them.
	if len(value) > 1 && value[0] == '0' && value[1] >= '0' && value[1] <= '9' {
		return value
	}
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		return parsed
	}
	return value
}
