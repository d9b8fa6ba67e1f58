// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import "fmt"

// Error is a configuration fault, fatal at load time: the engine never
// starts on a production that fails validation.
type Error struct {
	Path   string // offending location, "items/ADT_In/settings/adapter"
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Reason)
}

// Retryable implements the errs seam: configuration faults never are.
func (e *Error) Retryable() bool { return false }

func errorf(path, format string, args ...interface{}) *Error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}
