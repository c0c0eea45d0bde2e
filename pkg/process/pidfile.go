// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package process manages daemon lifecycle: the pidfile layout shared by a
// supervisor and its worker processes, and the start/stop/restart commands
// built on it.
package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Layout names the pidfiles for one service. Given /run/rivetd.pid, worker
// i writes /run/rivetd.<i>.pid and the supervisor writes
// /run/rivetd.master.pid.
type Layout interface {
	Master() string
	Process(i int) string
	// All returns every pidfile currently on disk for this service, master
	// first.
	All() ([]string, error)
}

type fileLayout struct {
	stem string
	ext  string
}

// NewLayout derives a Layout from a base pidfile path.
func NewLayout(path string) Layout {
	ext := filepath.Ext(path)
	return &fileLayout{stem: strings.TrimSuffix(path, ext), ext: ext}
}

func (l *fileLayout) Master() string {
	return l.stem + ".master" + l.ext
}

func (l *fileLayout) Process(i int) string {
	return fmt.Sprintf("%s.%d%s", l.stem, i, l.ext)
}

func (l *fileLayout) All() ([]string, error) {
	matches, err := filepath.Glob(l.stem + ".*" + l.ext)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(matches))
	if master := l.Master(); contains(matches, master) {
		files = append(files, master)
	}
	for _, m := range matches {
		if m != l.Master() {
			files = append(files, m)
		}
	}
	return files, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WritePID records pid in the named file.
func WritePID(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("failed to write pidfile %s: %w", path, err)
	}
	return nil
}

// ReadPID parses the pid recorded in the named file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", path, err)
	}
	return pid, nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate sends SIGTERM. A process that is already gone is not an error.
func Terminate(pid int) error {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to signal pid %d: %w", pid, err)
}
