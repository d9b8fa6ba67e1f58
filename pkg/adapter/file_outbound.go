// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/util/log"
)

// FileOutboundSettings come from the adapter settings bag of a file
// operation.
type FileOutboundSettings struct {
	Directory string
	// FilenamePattern may contain %id% (message id) and %ts%
	// (UTC timestamp); default "%id%.hl7".
	FilenamePattern string
	// TempExtension is appended while writing so pollers on the other
	// side never pick up a half-written file.
	TempExtension string
}

func (s *FileOutboundSettings) fill() error {
	if s.Directory == "" {
		return &config.Error{Path: "adapter/Directory", Reason: "Directory is required"}
	}
	if s.FilenamePattern == "" {
		s.FilenamePattern = "%id%.hl7"
	}
	if s.TempExtension == "" {
		s.TempExtension = ".tmp"
	}
	return nil
}

// FileOutbound writes delivered messages to a drop directory. Each write
// goes to a temp name first and is renamed into place, so a consumer
// watching the directory only ever sees complete files.
type FileOutbound struct {
	lifecycle
	hostName string
	settings FileOutboundSettings
	metrics  *MetricsBlock

	fs  afero.Fs
	clk clock.Clock
}

// NewFileOutbound builds the writer. fs and clk default to the real
// filesystem and wall clock; tests inject afero.NewMemMapFs and a mock
// clock.
func NewFileOutbound(hostName string, settings FileOutboundSettings, fs afero.Fs, clk clock.Clock) (*FileOutbound, error) {
	if err := settings.fill(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FileOutbound{
		hostName: hostName,
		settings: settings,
		metrics:  newMetricsBlock(hostName, "file-out"),
		fs:       fs,
		clk:      clk,
	}, nil
}

// Metrics exposes the adapter counters.
func (a *FileOutbound) Metrics() *MetricsBlock { return a.metrics }

// Start creates the drop directory if needed.
func (a *FileOutbound) Start() error {
	if err := a.transition(StateCreated, StateStarted); err != nil {
		return err
	}
	if err := a.fs.MkdirAll(a.settings.Directory, 0o755); err != nil {
		a.state.Store(int32(StateStopped))
		return &config.Error{Path: "adapter/Directory", Reason: err.Error()}
	}
	log.Infof("%s | writing files to %s", a.hostName, a.settings.Directory)
	return nil
}

// Stop marks the adapter unusable; writes are synchronous so there is
// nothing to drain.
func (a *FileOutbound) Stop() error {
	return a.transition(StateStarted, StateStopped)
}

// Send writes one payload. messageID feeds the %id% pattern token.
func (a *FileOutbound) Send(ctx context.Context, payload []byte, messageID string) error {
	if a.State() != StateStarted {
		return &SendError{Target: a.settings.Directory, Attempts: 1, Err: fmt.Errorf("adapter not started")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := a.filename(messageID)
	final := filepath.Join(a.settings.Directory, name)
	tmp := final + a.settings.TempExtension

	if err := afero.WriteFile(a.fs, tmp, payload, 0o644); err != nil {
		a.metrics.failed(err)
		return &SendError{Target: final, Attempts: 1, Err: err}
	}
	if err := a.fs.Rename(tmp, final); err != nil {
		a.fs.Remove(tmp)
		a.metrics.failed(err)
		return &SendError{Target: final, Attempts: 1, Err: err}
	}
	a.metrics.sent(len(payload))
	log.Debugf("%s | wrote %s (%d bytes)", a.hostName, final, len(payload))
	return nil
}

func (a *FileOutbound) filename(messageID string) string {
	name := a.settings.FilenamePattern
	name = strings.ReplaceAll(name, "%id%", messageID)
	name = strings.ReplaceAll(name, "%ts%", a.clk.Now().UTC().Format("20060102150405.000"))
	// Pattern tokens may carry path separators from upstream data.
	return filepath.Base(strings.NewReplacer("/", "_", "\\", "_").Replace(name))
}
