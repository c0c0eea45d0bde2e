// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/rivetfw/rivet/pkg/logger"
)

// EnvProcessIndex tells a spawned child which worker slot it occupies.
const EnvProcessIndex = "RIVET_PROCESS_INDEX"

// stopPollInterval paces the wait for terminated children to exit.
const stopPollInterval = 100 * time.Millisecond

// Spawner launches one worker process and returns its pid. The default
// re-executes the current binary; tests substitute their own.
type Spawner func(index int, args []string) (int, error)

// Manager supervises a set of worker processes behind a pidfile layout.
type Manager struct {
	layout  Layout
	spawn   Spawner
	count   int
	timeout time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSpawner replaces the process launcher.
func WithSpawner(s Spawner) ManagerOption {
	return func(m *Manager) { m.spawn = s }
}

// WithStopTimeout bounds how long Stop waits for children to exit.
func WithStopTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// NewManager builds a Manager for the given pidfile and process count. A
// count of zero or less means one process per CPU.
func NewManager(pidfile string, processes int, opts ...ManagerOption) *Manager {
	if processes <= 0 {
		processes = runtime.NumCPU()
	}
	m := &Manager{
		layout:  NewLayout(pidfile),
		spawn:   execSelf,
		count:   processes,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Layout exposes the pidfile layout, mainly so a spawned child can record
// its own pid in the right slot.
func (m *Manager) Layout() Layout { return m.layout }

func execSelf(index int, args []string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}
	cmd := exec.Command(self, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", EnvProcessIndex, index))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker process: %w", err)
	}
	// The child is expected to outlive the supervisor invocation; release
	// it so exiting does not reap it.
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release worker process: %w", err)
	}
	return pid, nil
}

// Running reports whether a live supervisor holds the master pidfile.
func (m *Manager) Running() bool {
	pid, err := ReadPID(m.layout.Master())
	if err != nil {
		return false
	}
	return Alive(pid)
}

// Start launches the worker processes and records the pids. It refuses to
// start over a live instance but clears stale pidfiles from a crashed one.
func (m *Manager) Start(args []string) error {
	if m.Running() {
		pid, _ := ReadPID(m.layout.Master())
		return fmt.Errorf("already running with pid %d", pid)
	}
	if err := m.removePidfiles(); err != nil {
		return err
	}

	if err := WritePID(m.layout.Master(), os.Getpid()); err != nil {
		return err
	}
	for i := 0; i < m.count; i++ {
		pid, err := m.spawn(i, args)
		if err != nil {
			stopErr := m.Stop()
			return errors.Join(err, stopErr)
		}
		if err := WritePID(m.layout.Process(i), pid); err != nil {
			stopErr := m.Stop()
			return errors.Join(err, stopErr)
		}
		logger.Infof("Started worker process %d with pid %d", i, pid)
	}
	return nil
}

// Stop terminates every recorded process with SIGTERM, waits for the pids
// to disappear, and removes the pidfiles.
func (m *Manager) Stop() error {
	files, err := m.layout.All()
	if err != nil {
		return fmt.Errorf("failed to list pidfiles: %w", err)
	}

	var pids []int
	for _, f := range files {
		pid, err := ReadPID(f)
		if err != nil {
			logger.Warnf("Skipping unreadable pidfile %s: %v", f, err)
			continue
		}
		if pid == os.Getpid() {
			continue
		}
		if err := Terminate(pid); err != nil {
			logger.Warnf("Failed to terminate pid %d: %v", pid, err)
			continue
		}
		pids = append(pids, pid)
	}

	deadline := time.Now().Add(m.timeout)
	for _, pid := range pids {
		for Alive(pid) {
			if time.Now().After(deadline) {
				return fmt.Errorf("pid %d did not exit within %s", pid, m.timeout)
			}
			time.Sleep(stopPollInterval)
		}
	}
	return m.removePidfiles()
}

// Restart stops any running instance and starts a fresh one.
func (m *Manager) Restart(args []string) error {
	if err := m.Stop(); err != nil {
		return err
	}
	return m.Start(args)
}

// ProcessStatus describes one recorded process.
type ProcessStatus struct {
	Pidfile string
	PID     int
	Alive   bool
}

// Status reads every pidfile and reports whether each process is alive.
func (m *Manager) Status() ([]ProcessStatus, error) {
	files, err := m.layout.All()
	if err != nil {
		return nil, fmt.Errorf("failed to list pidfiles: %w", err)
	}
	statuses := make([]ProcessStatus, 0, len(files))
	for _, f := range files {
		st := ProcessStatus{Pidfile: f}
		if pid, err := ReadPID(f); err == nil {
			st.PID = pid
			st.Alive = Alive(pid)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (m *Manager) removePidfiles() error {
	files, err := m.layout.All()
	if err != nil {
		return fmt.Errorf("failed to list pidfiles: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove pidfile %s: %w", f, err)
		}
	}
	return nil
}
