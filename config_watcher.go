// config_watcher.go: Hot reload of client configuration powered by Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ReloadTarget receives the settings a running client can change in place.
// *Connector implements it.
type ReloadTarget interface {
	SetServiceID(serviceID string)
	SetCallTimeout(timeout time.Duration)
}

// ConfigWatcherOptions tunes the underlying Argus watcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration

	// OnReload is called after a valid configuration has been applied.
	OnReload func(old, updated ClientConfig)
}

// ConfigWatcher reloads a client configuration file when it changes and
// applies service_id and call_timeout to a running target. Invalid files are
// logged and ignored; the last good configuration stays in effect.
//
// Usage example:
//
//	watcher, err := NewConfigWatcher("client.yaml", connector, ConfigWatcherOptions{}, logger)
//	if err != nil {
//	    return err
//	}
//	if err := watcher.Start(); err != nil {
//	    return err
//	}
//	defer watcher.Stop()
type ConfigWatcher struct {
	watcher    *argus.Watcher
	configPath string
	target     ReloadTarget
	logger     Logger
	options    ConfigWatcherOptions

	current atomic.Pointer[ClientConfig]

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewConfigWatcher loads configPath once and prepares a watcher for it.
// The initial configuration is applied to target immediately.
func NewConfigWatcher(configPath string, target ReloadTarget, options ConfigWatcherOptions, logger any) (*ConfigWatcher, error) {
	if target == nil {
		return nil, NewConfigWatcherError("reload target is required", nil)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = 2 * time.Second
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	internalLogger := NewLogger(logger).With("component", "config_watcher")

	initial, err := LoadClientConfig(configPath)
	if err != nil {
		return nil, err
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      4,
		Audit:                argus.AuditConfig{Enabled: false},
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			internalLogger.Error("Argus file watching error", "error", err, "file", path)
		},
	})

	cw := &ConfigWatcher{
		watcher:    watcher,
		configPath: configPath,
		target:     target,
		logger:     internalLogger,
		options:    options,
	}
	cw.current.Store(&initial)
	cw.apply(initial)
	return cw, nil
}

// Current returns the configuration in effect.
func (cw *ConfigWatcher) Current() ClientConfig {
	return *cw.current.Load()
}

// Start begins watching the file.
func (cw *ConfigWatcher) Start() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", nil)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}
	if err := cw.watcher.Watch(cw.configPath, cw.handleChange); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}

	cw.logger.Info("Configuration watcher started",
		"config_path", cw.configPath,
		"poll_interval", cw.options.PollInterval)
	return nil
}

// Stop ends watching. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()

		cw.stopped.Store(true)
		if !cw.enabled.CompareAndSwap(true, false) {
			return
		}
		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped")
	})
	return stopErr
}

// Reload re-reads the file now and applies it when valid.
func (cw *ConfigWatcher) Reload() error {
	updated, err := LoadClientConfig(cw.configPath)
	if err != nil {
		cw.logger.Error("Rejected configuration reload", "path", cw.configPath, "error", err)
		return err
	}
	old := cw.current.Swap(&updated)
	cw.apply(updated)

	changes := diffClientConfig(*old, updated)
	cw.logger.Info("Configuration reloaded", "path", cw.configPath, "changes", changes)
	if cw.options.OnReload != nil {
		cw.options.OnReload(*old, updated)
	}
	return nil
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	cw.logger.Debug("Configuration file change detected",
		"path", event.Path,
		"mod_time", event.ModTime,
		"size", event.Size,
		"is_delete", event.IsDelete)

	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current settings", "path", event.Path)
		return
	}
	_ = cw.Reload()
}

func (cw *ConfigWatcher) apply(config ClientConfig) {
	cw.target.SetServiceID(config.ServiceID)
	cw.target.SetCallTimeout(config.CallTimeout)
}

func diffClientConfig(old, updated ClientConfig) []string {
	var changes []string
	if old.ServiceID != updated.ServiceID {
		changes = append(changes, "service_id")
	}
	if old.CallTimeout != updated.CallTimeout {
		changes = append(changes, "call_timeout")
	}
	if old.ConnectTimeout != updated.ConnectTimeout {
		changes = append(changes, "connect_timeout (next restart)")
	}
	if old.Registry.AutoCreate != updated.Registry.AutoCreate {
		changes = append(changes, "registry.auto_create (next restart)")
	}
	return changes
}
