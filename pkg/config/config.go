// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config holds the typed production model, the YAML loader, the
// settings bags that adapters and hosts decode their configuration from,
// validation, and the legacy IRIS XML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// ItemType discriminates the three host kinds.
type ItemType string

// Item types.
const (
	TypeService   ItemType = "service"
	TypeProcess   ItemType = "process"
	TypeOperation ItemType = "operation"
)

// Setting targets.
const (
	TargetAdapter = "adapter"
	TargetHost    = "host"
)

// Production is the root configuration object: a named collection of items
// and the routes between them.
type Production struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Settings    EngineSettings `yaml:"settings"`
	Items       []Item         `yaml:"items"`
	Routes      []Route        `yaml:"routes"`
	Logging     LoggingConfig  `yaml:"logging"`
	Persistence Persistence    `yaml:"persistence"`
	WAL         WALConfig      `yaml:"wal"`
	Control     ControlConfig  `yaml:"control"`
}

// EngineSettings tune production-wide start/stop behaviour.
type EngineSettings struct {
	StartupDelay    time.Duration `yaml:"startup_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Item is the immutable configuration snapshot one host is built from.
type Item struct {
	Name      string      `yaml:"name"`
	ClassName string      `yaml:"class_name"`
	Type      ItemType    `yaml:"type"`
	PoolSize  int         `yaml:"pool_size"`
	Enabled   *bool       `yaml:"enabled"`
	Category  string      `yaml:"category"`
	Comment   string      `yaml:"comment"`
	Settings  SettingsBag `yaml:"settings"`
}

// IsEnabled defaults to true when the field is omitted.
func (i Item) IsEnabled() bool { return i.Enabled == nil || *i.Enabled }

// GetPoolSize defaults to one worker.
func (i Item) GetPoolSize() int {
	if i.PoolSize < 1 {
		return 1
	}
	return i.PoolSize
}

// Route attaches a routing rule to a process.
type Route struct {
	Name       string   `yaml:"name"`
	Source     string   `yaml:"source"`
	Priority   int      `yaml:"priority"`
	Enabled    *bool    `yaml:"enabled"`
	Condition  string   `yaml:"condition"`
	Filters    []string `yaml:"filters"`
	FilterMode string   `yaml:"filter_mode"`
	Action     string   `yaml:"action"`
	Targets    []string `yaml:"targets"`
	Transform  string   `yaml:"transform"`
	Ordered    bool     `yaml:"ordered"`
}

// IsEnabled defaults to true when the field is omitted.
func (r Route) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// LoggingConfig selects the log level and optional file output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Persistence selects and configures the message store backend.
type Persistence struct {
	Backend          string `yaml:"backend"` // "buntdb" (default) or "postgres"
	Path             string `yaml:"path"`    // buntdb file, ":memory:" for tests
	DSN              string `yaml:"dsn"`     // postgres connection string
	RetentionDays    int    `yaml:"retention_days"`
	JanitorSchedule  string `yaml:"janitor_schedule"`
	CompressMinBytes int    `yaml:"compress_min_bytes"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Directory       string        `yaml:"directory"`
	SyncMode        string        `yaml:"sync_mode"` // none, fsync, fsync_batched
	SegmentMaxBytes int64         `yaml:"segment_max_bytes"`
	MaxRetries      int           `yaml:"max_retries"`
	BatchInterval   time.Duration `yaml:"batch_interval"`
}

// ControlConfig configures the optional engine control API.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// yamlFile is the on-disk layout: the production fields live under a
// "production" section, items and routes at the top level.
type yamlFile struct {
	Production  Production    `yaml:"production"`
	Items       []Item        `yaml:"items"`
	Routes      []Route       `yaml:"routes"`
	Logging     LoggingConfig `yaml:"logging"`
	Persistence Persistence   `yaml:"persistence"`
	WAL         WALConfig     `yaml:"wal"`
	Control     ControlConfig `yaml:"control"`
}

// LoadFile reads and validates a native YAML production file.
func LoadFile(path string) (*Production, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Load(data)
}

// Load parses a native YAML production and validates it.
func Load(data []byte) (*Production, error) {
	var f yamlFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, &Error{Path: "/", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	p := f.Production
	p.Items = append(p.Items, f.Items...)
	p.Routes = append(p.Routes, f.Routes...)
	if f.Logging != (LoggingConfig{}) {
		p.Logging = f.Logging
	}
	if f.Persistence != (Persistence{}) {
		p.Persistence = f.Persistence
	}
	if f.WAL != (WALConfig{}) {
		p.WAL = f.WAL
	}
	if f.Control != (ControlConfig{}) {
		p.Control = f.Control
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Dump renders the production back to the native YAML form, used by the
// convert subcommand.
func (p *Production) Dump() ([]byte, error) {
	out, err := yaml.Marshal(yamlFile{
		Production: Production{
			Name:        p.Name,
			Description: p.Description,
			Settings:    p.Settings,
		},
		Items:       p.Items,
		Routes:      p.Routes,
		Logging:     p.Logging,
		Persistence: p.Persistence,
		WAL:         p.WAL,
		Control:     p.Control,
	})
	if err != nil {
		return nil, errors.Wrap(err, "config: marshal production")
	}
	return out, nil
}

// Item returns the item with the given name.
func (p *Production) Item(name string) (Item, bool) {
	for _, it := range p.Items {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

// RoutesFor returns the routes attached to one source item.
func (p *Production) RoutesFor(source string) []Route {
	var out []Route
	for _, r := range p.Routes {
		if r.Source == source {
			out = append(out, r)
		}
	}
	return out
}
