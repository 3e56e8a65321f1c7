package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/postgres"
	"github.com/nadmax/runledger/internal/retention"
)

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	backend, err := repository.ParseBackend(c.Store.Backend)
	if err != nil {
		invalid("store.backend %q (supported: postgres, sqlite)", c.Store.Backend)
	}
	switch c.Store.Driver {
	case postgres.DriverPGX, postgres.DriverPQ:
	default:
		invalid("store.driver %q (supported: pgx, postgres)", c.Store.Driver)
	}
	if backend == repository.BackendSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		invalid("store.sqlite_path is required for the sqlite backend")
	}

	positive := map[string]bool{
		"store.timeout":           c.Store.Timeout > 0,
		"increment.max_attempts":  c.Increment.MaxAttempts > 0,
		"increment.base_delay":    c.Increment.BaseDelay > 0,
		"increment.max_delay":     c.Increment.MaxDelay >= c.Increment.BaseDelay,
		"increment.timeout":       c.Increment.Timeout > 0,
		"reporter.interval":       c.Reporter.Interval > 0,
		"reporter.sample_timeout": c.Reporter.SampleTimeout > 0,
		"reporter.cpu_window":     c.Reporter.CPUWindow > 0,
		"reporter.concurrency":    c.Reporter.Concurrency > 0,
		"retention.days":          c.Retention.Days > 0,
	}
	for _, key := range sortedKeys(positive) {
		if !positive[key] {
			invalid("%s must be positive", key)
		}
	}

	if c.Retention.Schedule != "" {
		if err := retention.ValidateSchedule(c.Retention.Schedule); err != nil {
			invalid("retention.schedule %q: %v", c.Retention.Schedule, err)
		}
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp-http":
	default:
		invalid("tracing.exporter %q (supported: none, stdout, otlp-http)", c.Tracing.Exporter)
	}

	if c.NotifyEnabled() && c.Notify.FromAddress == "" {
		invalid("notify.from_address is required when notifications are enabled")
	}

	return errors.Join(errs...)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
