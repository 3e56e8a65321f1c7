// Package config loads runledger settings from defaults, runledger.yaml,
// RUNLEDGER_* environment variables and command-line flags.
package config

import (
	"time"

	"github.com/nadmax/runledger/internal/notify"
	"github.com/nadmax/runledger/internal/reporter"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/postgres"
	"github.com/nadmax/runledger/internal/telemetry"
	"github.com/nadmax/runledger/internal/tracker"
)

type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Increment IncrementConfig `koanf:"increment"`
	Reporter  ReporterConfig  `koanf:"reporter"`
	Retention RetentionConfig `koanf:"retention"`
	Redis     RedisConfig     `koanf:"redis"`
	Notify    NotifyConfig    `koanf:"notify"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Tracing   TracingConfig   `koanf:"tracing"`
}

type StoreConfig struct {
	Backend      string        `koanf:"backend"`
	Driver       string        `koanf:"driver"`
	DSN          string        `koanf:"dsn"`
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	User         string        `koanf:"user"`
	Password     string        `koanf:"password"`
	Database     string        `koanf:"database"`
	Schema       string        `koanf:"schema"`
	SSLMode      string        `koanf:"sslmode"`
	SQLitePath   string        `koanf:"sqlite_path"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxOpenConns int           `koanf:"max_open_conns"`
}

type IncrementConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Timeout     time.Duration `koanf:"timeout"`
}

type ReporterConfig struct {
	Interval      time.Duration `koanf:"interval"`
	SampleTimeout time.Duration `koanf:"sample_timeout"`
	CPUWindow     time.Duration `koanf:"cpu_window"`
	Concurrency   int           `koanf:"concurrency"`
	StaleAfter    time.Duration `koanf:"stale_after"`
	ProcMount     string        `koanf:"proc_mount"`
	MetricsAddr   string        `koanf:"metrics_addr"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Schedule string `koanf:"schedule"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

type NotifyConfig struct {
	SendGridAPIKey string   `koanf:"sendgrid_api_key"`
	FromName       string   `koanf:"from_name"`
	FromAddress    string   `koanf:"from_address"`
	Recipients     []string `koanf:"recipients"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type TracingConfig struct {
	Exporter   string  `koanf:"exporter"`
	Endpoint   string  `koanf:"endpoint"`
	SampleRate float64 `koanf:"sample_rate"`
}

func (c *Config) StoreConfig() repository.Config {
	backend, _ := repository.ParseBackend(c.Store.Backend)

	return repository.Config{
		Backend: backend,
		Postgres: postgres.Config{
			Driver:       c.Store.Driver,
			DSN:          c.Store.DSN,
			Host:         c.Store.Host,
			Port:         c.Store.Port,
			User:         c.Store.User,
			Password:     c.Store.Password,
			Database:     c.Store.Database,
			SSLMode:      c.Store.SSLMode,
			Schema:       c.Store.Schema,
			MaxOpenConns: c.Store.MaxOpenConns,
		},
		SQLitePath: c.Store.SQLitePath,
	}
}

func (c *Config) RetryPolicy() tracker.RetryPolicy {
	return tracker.RetryPolicy{
		MaxAttempts: c.Increment.MaxAttempts,
		BaseDelay:   c.Increment.BaseDelay,
		MaxDelay:    c.Increment.MaxDelay,
		Timeout:     c.Increment.Timeout,
	}
}

func (c *Config) ReporterConfig(hostname string, pid int) reporter.Config {
	return reporter.Config{
		Hostname:      hostname,
		ProcessID:     pid,
		Interval:      c.Reporter.Interval,
		SampleTimeout: c.Reporter.SampleTimeout,
		Concurrency:   c.Reporter.Concurrency,
		StaleAfter:    c.Reporter.StaleAfter,
	}
}

// NotifyEnabled reports whether failure e-mails can be sent.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.SendGridAPIKey != "" && len(c.Notify.Recipients) > 0
}

func (c *Config) NotifyConfig() notify.Config {
	return notify.Config{
		APIKey:      c.Notify.SendGridAPIKey,
		FromName:    c.Notify.FromName,
		FromAddress: c.Notify.FromAddress,
		Recipients:  c.Notify.Recipients,
	}
}

func (c *Config) LogConfig(quiet bool) telemetry.LogConfig {
	return telemetry.LogConfig{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Quiet:      quiet,
	}
}

func (c *Config) TracingConfig() telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Enabled:     c.Tracing.Exporter != "" && c.Tracing.Exporter != "none",
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		ServiceName: telemetry.ServiceName,
		SampleRate:  c.Tracing.SampleRate,
	}
}
