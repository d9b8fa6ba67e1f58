// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pidfile writes the engine's PID file and refuses to clobber the
// file of a still-running instance.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// WritePID writes the current PID to the given path, creating parent
// directories as needed. An existing file pointing at a live process is an
// error: two engines must not share a production.
func WritePID(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && isProcess(pid) {
			return fmt.Errorf("pidfile: process %d from %s is still running", pid, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Remove deletes the PID file; errors are not actionable at shutdown.
func Remove(path string) {
	_ = os.Remove(path)
}

// isProcess checks whether a process with the given PID exists.
func isProcess(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
