// process.go: Lifecycle of services started on demand from their manifest
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agilira/go-timecache"
)

// ProcessStatus is the lifecycle state of a started service process.
type ProcessStatus int

const (
	ProcessStopped ProcessStatus = iota
	ProcessStarting
	ProcessRunning
	ProcessStopping
	ProcessExited
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessStarting:
		return "starting"
	case ProcessRunning:
		return "running"
	case ProcessStopping:
		return "stopping"
	case ProcessExited:
		return "exited"
	default:
		return "stopped"
	}
}

// ProcessInfo describes a started process.
type ProcessInfo struct {
	PID       int           `json:"pid"`
	StartTime time.Time     `json:"start_time"`
	Status    ProcessStatus `json:"status"`
	ExitError string        `json:"exit_error,omitempty"`
}

// ProcessManager starts a service executable and stops it again.
//
// The process is detached from the context that started it: a bind that
// times out does not kill the service it launched. Stop sends SIGTERM and
// falls back to SIGKILL when its context expires.
type ProcessManager struct {
	exec   ExecConfig
	logger Logger

	mutex   sync.RWMutex
	cmd     *exec.Cmd
	process *ProcessInfo
	exited  chan struct{}
}

// NewProcessManager creates a manager for the executable described by cfg.
func NewProcessManager(cfg ExecConfig, logger any) *ProcessManager {
	return &ProcessManager{
		exec:   cfg,
		logger: NewLogger(logger).With("component", "process_manager", "path", cfg.Path),
	}
}

// Start launches the process. Starting a running process is a no-op.
func (pm *ProcessManager) Start() error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.process != nil && (pm.process.Status == ProcessStarting || pm.process.Status == ProcessRunning) {
		return nil
	}

	pm.logger.Info("Starting service process", "args", pm.exec.Args)

	cmd := exec.Command(pm.exec.Path, pm.exec.Args...) // #nosec G204 -- path comes from a validated manifest
	cmd.Env = append(os.Environ(), pm.exec.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	// Own process group so terminal signals aimed at the client skip it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return NewProcessStartError(pm.exec.Path, err)
	}

	pm.cmd = cmd
	pm.exited = make(chan struct{})
	pm.process = &ProcessInfo{
		PID:       cmd.Process.Pid,
		StartTime: timecache.CachedTime(),
		Status:    ProcessStarting,
	}
	go pm.wait(cmd, pm.exited)

	pm.logger.Info("Service process started", "pid", pm.process.PID)
	return nil
}

func (pm *ProcessManager) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	pm.mutex.Lock()
	if pm.cmd == cmd && pm.process != nil {
		if pm.process.Status != ProcessStopping {
			pm.process.Status = ProcessExited
		}
		if err != nil {
			pm.process.ExitError = err.Error()
		}
	}
	pm.mutex.Unlock()
	close(exited)

	if err != nil {
		pm.logger.Debug("Service process exited", "pid", cmd.Process.Pid, "error", err)
	} else {
		pm.logger.Debug("Service process exited", "pid", cmd.Process.Pid)
	}
}

// MarkRunning records that the process answered on its endpoint.
func (pm *ProcessManager) MarkRunning() {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if pm.process != nil && pm.process.Status == ProcessStarting {
		pm.process.Status = ProcessRunning
	}
}

// Exited is closed when the current process exits. It is nil before Start.
func (pm *ProcessManager) Exited() <-chan struct{} {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	return pm.exited
}

// IsAlive reports whether the started process is still running.
func (pm *ProcessManager) IsAlive() bool {
	exited := pm.Exited()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Stop terminates the process gracefully, killing it if ctx expires first.
func (pm *ProcessManager) Stop(ctx context.Context) error {
	pm.mutex.Lock()
	if pm.cmd == nil || pm.process == nil || pm.process.Status == ProcessStopped {
		pm.mutex.Unlock()
		return nil
	}
	cmd, exited := pm.cmd, pm.exited
	pm.process.Status = ProcessStopping
	pm.mutex.Unlock()

	pm.logger.Info("Stopping service process", "pid", cmd.Process.Pid)

	var stopErr error
	if err := cmd.Process.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-exited:
		case <-ctx.Done():
			if killErr := cmd.Process.Kill(); killErr != nil {
				pm.logger.Warn("Failed to kill process on timeout", "error", killErr)
			}
			<-exited
			stopErr = ctx.Err()
		}
	} else {
		// Already gone.
		<-exited
	}

	pm.mutex.Lock()
	pm.process.Status = ProcessStopped
	pm.mutex.Unlock()
	pm.logger.Info("Service process stopped")
	return stopErr
}

// GetProcessInfo returns a copy of the process state.
func (pm *ProcessManager) GetProcessInfo() ProcessInfo {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	if pm.process == nil {
		return ProcessInfo{Status: ProcessStopped}
	}
	return *pm.process
}
