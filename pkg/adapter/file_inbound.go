// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/util/log"
)

// FileInboundSettings come from the adapter settings bag of a file service.
type FileInboundSettings struct {
	WatchDirectory string
	// Patterns is a comma-separated glob list; default "*".
	Patterns     string
	PollInterval time.Duration
	MoveTo       string
	DeleteAfter  bool
	Recursive    bool
}

func (s *FileInboundSettings) fill() error {
	if s.WatchDirectory == "" {
		return &config.Error{Path: "adapter/WatchDirectory", Reason: "WatchDirectory is required"}
	}
	if s.Patterns == "" {
		s.Patterns = "*"
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	return nil
}

// writerGrace is how long the poller waits after spotting a file before
// reading it, giving the writer time to finish.
const writerGrace = 100 * time.Millisecond

// FileInbound polls a directory for new files and feeds their contents to
// the host. An fsnotify watcher (real filesystems only) wakes the poller
// early; polling remains the source of truth so NFS and bind mounts work.
type FileInbound struct {
	lifecycle
	hostName string
	settings FileInboundSettings
	handler  Handler
	metrics  *MetricsBlock

	fs       afero.Fs
	clk      clock.Clock
	globs    []glob.Glob
	watcher  *fsnotify.Watcher
	wake     chan struct{}
	shutdown chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewFileInbound builds the poller. fs and clk default to the real
// filesystem and wall clock; tests inject afero.NewMemMapFs and a mock
// clock.
func NewFileInbound(hostName string, settings FileInboundSettings, handler Handler, fs afero.Fs, clk clock.Clock) (*FileInbound, error) {
	if err := settings.fill(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clk == nil {
		clk = clock.New()
	}

	var globs []glob.Glob
	for _, p := range strings.Split(settings.Patterns, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, &config.Error{Path: "adapter/Patterns", Reason: err.Error()}
		}
		globs = append(globs, g)
	}

	return &FileInbound{
		hostName: hostName,
		settings: settings,
		handler:  handler,
		metrics:  newMetricsBlock(hostName, "file-in"),
		fs:       fs,
		clk:      clk,
		globs:    globs,
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}, nil
}

// Metrics exposes the adapter counters.
func (a *FileInbound) Metrics() *MetricsBlock { return a.metrics }

// Start processes existing files, then begins the poll loop.
func (a *FileInbound) Start() error {
	if err := a.transition(StateCreated, StateStarted); err != nil {
		return err
	}
	if ok, err := afero.DirExists(a.fs, a.settings.WatchDirectory); err != nil || !ok {
		a.state.Store(int32(StateStopped))
		return &config.Error{Path: "adapter/WatchDirectory", Reason: "directory does not exist: " + a.settings.WatchDirectory}
	}

	// Notifications only work on the real filesystem; memory-backed tests
	// rely on the poll ticker.
	if _, isOs := a.fs.(*afero.OsFs); isOs {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			if err := watcher.Add(a.settings.WatchDirectory); err == nil {
				a.watcher = watcher
				go a.forwardEvents()
			} else {
				watcher.Close()
				log.Warnf("%s | file watcher unavailable, polling only: %v", a.hostName, err)
			}
		}
	}

	go a.run()
	return nil
}

func (a *FileInbound) forwardEvents() {
	for {
		select {
		case _, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			select {
			case a.wake <- struct{}{}:
			default:
			}
		case _, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (a *FileInbound) run() {
	defer close(a.done)
	a.scan()
	ticker := a.clk.Ticker(a.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.scan()
		case <-a.wake:
			a.scan()
		}
	}
}

// scan processes every matching file in filename order.
func (a *FileInbound) scan() {
	var paths []string
	consider := func(path string, isDir bool) {
		if isDir {
			return
		}
		name := filepath.Base(path)
		for _, g := range a.globs {
			if g.Match(name) {
				paths = append(paths, path)
				return
			}
		}
	}

	if a.settings.Recursive {
		err := afero.Walk(a.fs, a.settings.WatchDirectory, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			consider(path, info.IsDir())
			return nil
		})
		if err != nil {
			log.Warnf("%s | cannot walk %s: %v", a.hostName, a.settings.WatchDirectory, err)
			return
		}
	} else {
		entries, err := afero.ReadDir(a.fs, a.settings.WatchDirectory)
		if err != nil {
			log.Warnf("%s | cannot read %s: %v", a.hostName, a.settings.WatchDirectory, err)
			return
		}
		for _, e := range entries {
			consider(filepath.Join(a.settings.WatchDirectory, e.Name()), e.IsDir())
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		if !a.claim(path) {
			continue
		}
		a.process(path)
		a.unclaim(path)
	}
}

// claim suppresses duplicate events for a path while it is being handled.
func (a *FileInbound) claim(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inflight[path]; busy {
		return false
	}
	a.inflight[path] = struct{}{}
	return true
}

func (a *FileInbound) unclaim(path string) {
	a.mu.Lock()
	delete(a.inflight, path)
	a.mu.Unlock()
}

func (a *FileInbound) process(path string) {
	// Give the writer a beat to finish before reading.
	timer := a.clk.Timer(writerGrace)
	select {
	case <-timer.C:
	case <-a.shutdown:
		timer.Stop()
		return
	}

	data, err := afero.ReadFile(a.fs, path)
	if err != nil {
		log.Warnf("%s | cannot read %s: %v", a.hostName, path, err)
		return
	}
	a.metrics.received(len(data))

	if _, err := a.handler(data, Meta{Path: path, ContentType: ContentTypeForPath(path)}); err != nil {
		a.metrics.failed(err)
		log.Warnf("%s | message from %s failed: %v", a.hostName, path, err)
		return
	}
	a.finish(path)
}

// finish moves or deletes a processed file per configuration.
func (a *FileInbound) finish(path string) {
	switch {
	case a.settings.MoveTo != "":
		dest := filepath.Join(a.settings.MoveTo, filepath.Base(path))
		if err := a.fs.MkdirAll(a.settings.MoveTo, 0o755); err == nil {
			if err := a.fs.Rename(path, dest); err != nil {
				log.Warnf("%s | cannot move %s to %s: %v", a.hostName, path, dest, err)
			}
			return
		}
		fallthrough
	case a.settings.DeleteAfter:
		if err := a.fs.Remove(path); err != nil {
			log.Warnf("%s | cannot remove %s: %v", a.hostName, path, err)
		}
	default:
		// Neither move nor delete configured: remove anyway so the file is
		// not re-ingested on the next poll.
		if err := a.fs.Remove(path); err != nil {
			log.Warnf("%s | cannot remove %s: %v", a.hostName, path, err)
		}
	}
}

// ContentTypeForPath infers the message content type from the extension.
func ContentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hl7", ".er7":
		return "application/hl7-v2+er7"
	default:
		return "text/plain"
	}
}

// Stop halts the poller and the watcher.
func (a *FileInbound) Stop() error {
	if err := a.transition(StateStarted, StateStopped); err != nil {
		return err
	}
	close(a.shutdown)
	if a.watcher != nil {
		a.watcher.Close()
	}
	<-a.done
	return nil
}
