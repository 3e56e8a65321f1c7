package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "RUNLEDGER_"

var defaultFiles = []string{"runledger.yaml", "runledger.yml"}

// flagKeys maps command-line flag names onto config keys. Flags missing
// from the table are command arguments, not settings.
var flagKeys = map[string]string{
	"backend":          "store.backend",
	"driver":           "store.driver",
	"dsn":              "store.dsn",
	"schema":           "store.schema",
	"sqlite-path":      "store.sqlite_path",
	"interval":         "reporter.interval",
	"sample-timeout":   "reporter.sample_timeout",
	"concurrency":      "reporter.concurrency",
	"metrics-addr":     "reporter.metrics_addr",
	"retention-days":   "retention.days",
	"retention-cron":   "retention.schedule",
	"redis-addr":       "redis.addr",
	"addr":             "http.addr",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"log-file":         "log.file",
	"tracing-exporter": "tracing.exporter",
}

func defaults() map[string]any {
	return map[string]any{
		"store.backend":           "sqlite",
		"store.driver":            "pgx",
		"store.port":              5432,
		"store.schema":            "runledger",
		"store.sslmode":           "disable",
		"store.sqlite_path":       "runledger.db",
		"store.timeout":           "10s",
		"store.max_open_conns":    10,
		"increment.max_attempts":  10,
		"increment.base_delay":    "50ms",
		"increment.max_delay":     "500ms",
		"increment.timeout":       "30s",
		"reporter.interval":       "30s",
		"reporter.sample_timeout": "5s",
		"reporter.cpu_window":     "100ms",
		"reporter.concurrency":    8,
		"reporter.stale_after":    "90s",
		"reporter.proc_mount":     "/proc",
		"retention.days":          30,
		"retention.schedule":      "@daily",
		"notify.from_name":        "runledger",
		"http.addr":               ":8080",
		"log.level":               "info",
		"log.format":              "json",
		"tracing.exporter":        "none",
		"tracing.sample_rate":     1.0,
	}
}

// Load reads settings with increasing precedence: defaults, the config file,
// RUNLEDGER_* variables, then flags that were set explicitly. An empty
// cfgFile falls back to runledger.yaml in the working directory when present.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(cfgFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Notify.Recipients = splitRecipients(cfg.Notify.Recipients)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range defaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}

	return ""
}

// envKey turns RUNLEDGER_STORE_SQLITE_PATH into store.sqlite_path.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

func splitRecipients(in []string) []string {
	var out []string
	for _, r := range in {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}
