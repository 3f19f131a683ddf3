// config.go: Client and service configuration types
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoggingConfig selects the slog handler built by NewLoggerFromConfig.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig enables the Prometheus endpoint of the example programs.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Address string `json:"address,omitempty" yaml:"address,omitempty" mapstructure:"address" validate:"required_if=Enabled true"`
}

// RegistryConfig configures the manifest registry used by clients.
type RegistryConfig struct {
	Scanner ScannerConfig `json:"scanner" yaml:"scanner" mapstructure:"scanner"`

	// AutoCreate starts a service from its manifest exec section when
	// the endpoint is not reachable.
	AutoCreate bool `json:"auto_create" yaml:"auto_create" mapstructure:"auto_create"`

	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"gte=0"`
}

// ClientConfig is everything a calculator client needs.
type ClientConfig struct {
	ServiceID      string         `json:"service_id" yaml:"service_id" mapstructure:"service_id" validate:"required,service_id"`
	CallTimeout    time.Duration  `json:"call_timeout" yaml:"call_timeout" mapstructure:"call_timeout"`
	ConnectTimeout time.Duration  `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"gte=0"`
	Registry       RegistryConfig `json:"registry" yaml:"registry" mapstructure:"registry"`
	Logging        LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics        MetricsConfig  `json:"metrics" yaml:"metrics" mapstructure:"metrics"`

	// Watch reloads service_id and call_timeout when the file changes.
	Watch        bool          `json:"watch" yaml:"watch" mapstructure:"watch"`
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" mapstructure:"poll_interval" validate:"gte=0"`
}

// RateLimitConfig configures the token bucket of a server. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// ServiceConfig is everything a calculator service host needs.
type ServiceConfig struct {
	Name        string        `json:"name" yaml:"name" mapstructure:"name" validate:"required,service_name"`
	Version     string        `json:"version" yaml:"version" mapstructure:"version" validate:"required,semver"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Actions     []string      `json:"actions" yaml:"actions" mapstructure:"actions" validate:"dive,service_id"`
	Exported    bool          `json:"exported" yaml:"exported" mapstructure:"exported"`
	Transport   TransportType `json:"transport" yaml:"transport" mapstructure:"transport" validate:"required,oneof=unix grpc"`
	Endpoint    string        `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint" validate:"required"`

	// ManifestDir receives the manifest while the service runs. Empty
	// means the service is not published.
	ManifestDir string      `json:"manifest_dir,omitempty" yaml:"manifest_dir,omitempty" mapstructure:"manifest_dir"`
	Exec        *ExecConfig `json:"exec,omitempty" yaml:"exec,omitempty" mapstructure:"exec"`

	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxConnections int             `json:"max_connections" yaml:"max_connections" mapstructure:"max_connections" validate:"gte=0"`
	DrainTimeout   time.Duration   `json:"drain_timeout" yaml:"drain_timeout" mapstructure:"drain_timeout" validate:"gte=0"`

	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// DefaultClientConfig returns defaults matching the stock calculator service.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServiceID:      DefaultServiceID,
		CallTimeout:    DefaultCallTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		Registry: RegistryConfig{
			Scanner: ScannerConfig{
				SearchPaths:  []string{DefaultManifestDir()},
				FilePatterns: DefaultFilePatterns,
				MaxDepth:     3,
			},
			DialTimeout: 2 * time.Second,
		},
		Logging:      LoggingConfig{Level: "info", Format: "text"},
		PollInterval: 2 * time.Second,
	}
}

// DefaultServiceConfig returns a unix-socket calculator published under the default id.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:         "calculator",
		Version:      "1.0.0",
		Description:  "Integer calculator",
		Actions:      []string{DefaultServiceID},
		Exported:     true,
		Transport:    TransportUnix,
		Endpoint:     "/tmp/servicebind-calculator.sock",
		ManifestDir:  DefaultManifestDir(),
		DrainTimeout: 5 * time.Second,
		Logging:      LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultManifestDir is where services publish manifests unless configured.
func DefaultManifestDir() string {
	return filepath.Join(os.TempDir(), "servicebind", "services")
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return NewConfigValidationError("invalid client configuration", err)
	}
	return nil
}

// ConnectorOptions maps the configuration onto Connector options. A zero
// call_timeout in a file disables the timeout.
func (c *ClientConfig) ConnectorOptions(logger any, metrics MetricsCollector) ConnectorOptions {
	callTimeout := c.CallTimeout
	if callTimeout == 0 {
		callTimeout = -1
	}
	return ConnectorOptions{
		ServiceID:      c.ServiceID,
		CallTimeout:    callTimeout,
		ConnectTimeout: c.ConnectTimeout,
		Logger:         logger,
		Metrics:        metrics,
	}
}

// Validate checks the service configuration.
func (c *ServiceConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return NewConfigValidationError("invalid service configuration", err)
	}
	if c.Exec != nil {
		if err := validateStruct(c.Exec); err != nil {
			return NewConfigValidationError("invalid exec section", err)
		}
	}
	return nil
}

// Manifest builds the manifest the service publishes.
func (c *ServiceConfig) Manifest() *ServiceManifest {
	return &ServiceManifest{
		Name:        c.Name,
		Version:     c.Version,
		Description: c.Description,
		Actions:     append([]string(nil), c.Actions...),
		Exported:    c.Exported,
		Transport:   c.Transport,
		Endpoint:    c.Endpoint,
		Exec:        c.Exec,
	}
}

// ManifestPath is where the service manifest is written, or "" when unpublished.
func (c *ServiceConfig) ManifestPath() string {
	if c.ManifestDir == "" {
		return ""
	}
	return filepath.Join(c.ManifestDir, c.Name+".service.yaml")
}

// NewLoggerFromConfig builds a slog-backed Logger writing to w.
func NewLoggerFromConfig(cfg LoggingConfig, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return NewSlogLogger(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
