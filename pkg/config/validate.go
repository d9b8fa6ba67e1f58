// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Well-known host setting names.
const (
	SettingTargetConfigNames     = "TargetConfigNames"
	SettingMessageSchemaCategory = "MessageSchemaCategory"
	SettingReplyCodeActions      = "ReplyCodeActions"
	SettingAckMode               = "AckMode"
	SettingBadMessageHandler     = "BadMessageHandler"
)

var (
	classesMu    sync.Mutex
	knownClasses = make(map[string]ItemType)
)

// RegisterClass records a host class name for load-time validation. The host
// package registers its built-ins at init; when no class was ever registered
// (config used standalone) the class check is skipped.
func RegisterClass(className string, t ItemType) {
	classesMu.Lock()
	defer classesMu.Unlock()
	knownClasses[className] = t
}

func lookupClass(className string) (ItemType, bool, bool) {
	classesMu.Lock()
	defer classesMu.Unlock()
	if len(knownClasses) == 0 {
		return "", false, false
	}
	t, ok := knownClasses[className]
	return t, ok, true
}

// TargetNames splits a TargetConfigNames setting value.
func TargetNames(value string) []string {
	var out []string
	for _, name := range strings.Split(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Targets returns the item's configured TargetConfigNames.
func (i Item) Targets() []string {
	return TargetNames(i.Settings.GetDefault(TargetHost, SettingTargetConfigNames, ""))
}

// Validate checks the whole production and reports every finding at once
// via a multierror. A production that validates cleanly is safe to deploy
// short of runtime faults (ports in use, unreachable peers).
func (p *Production) Validate() error {
	var result *multierror.Error

	if p.Name == "" {
		result = multierror.Append(result, errorf("production", "name is required"))
	}

	items := make(map[string]Item, len(p.Items))
	for _, it := range p.Items {
		path := "items/" + it.Name
		if it.Name == "" {
			result = multierror.Append(result, errorf("items", "item with empty name"))
			continue
		}
		if _, dup := items[it.Name]; dup {
			result = multierror.Append(result, errorf(path, "duplicate item name"))
			continue
		}
		items[it.Name] = it

		switch it.Type {
		case TypeService, TypeProcess, TypeOperation:
		default:
			result = multierror.Append(result, errorf(path, "unknown item type %q", it.Type))
		}
		if it.PoolSize < 0 {
			result = multierror.Append(result, errorf(path, "pool_size must be >= 1"))
		}
		if it.ClassName == "" {
			result = multierror.Append(result, errorf(path, "class_name is required"))
		} else if t, known, checked := lookupClass(it.ClassName); checked {
			if !known {
				result = multierror.Append(result, errorf(path, "unknown class %q", it.ClassName))
			} else if it.Type != "" && t != it.Type {
				result = multierror.Append(result, errorf(path, "class %q is a %s, not a %s", it.ClassName, t, it.Type))
			}
		}

		if rca, ok := it.Settings.Get(TargetHost, SettingReplyCodeActions); ok {
			if _, err := ParseReplyCodeActions(rca); err != nil {
				result = multierror.Append(result, errorf(path, "%v", err))
			}
		}
	}

	// Target references: every TargetConfigNames entry must name an existing
	// enabled item.
	for _, it := range p.Items {
		path := "items/" + it.Name
		for _, target := range it.Targets() {
			ref, ok := items[target]
			if !ok {
				result = multierror.Append(result, errorf(path, "target %q does not exist", target))
			} else if !ref.IsEnabled() {
				result = multierror.Append(result, errorf(path, "target %q is disabled", target))
			}
		}
	}

	for _, r := range p.Routes {
		path := "routes/" + r.Name
		if r.Name == "" {
			result = multierror.Append(result, errorf("routes", "route with empty name"))
		}
		if r.Priority < 0 || r.Priority > 1000 {
			result = multierror.Append(result, errorf(path, "priority %d out of range [0,1000]", r.Priority))
		}
		switch r.Action {
		case "", "send", "transform", "stop", "delete":
		default:
			result = multierror.Append(result, errorf(path, "unknown action %q", r.Action))
		}
		switch r.FilterMode {
		case "", "all", "any":
		default:
			result = multierror.Append(result, errorf(path, "unknown filter_mode %q", r.FilterMode))
		}
		if src, ok := items[r.Source]; !ok {
			result = multierror.Append(result, errorf(path, "source %q does not exist", r.Source))
		} else if src.Type == TypeOperation {
			result = multierror.Append(result, errorf(path, "source %q is an operation; routes attach to services and processes", r.Source))
		}
		for _, target := range r.Targets {
			ref, ok := items[target]
			if !ok {
				result = multierror.Append(result, errorf(path, "target %q does not exist", target))
			} else if !ref.IsEnabled() {
				result = multierror.Append(result, errorf(path, "target %q is disabled", target))
			}
		}
	}

	if err := p.checkCycles(items); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// checkCycles runs a DFS over the item graph (TargetConfigNames edges plus
// route edges) and rejects any cycle.
func (p *Production) checkCycles(items map[string]Item) error {
	adj := make(map[string][]string, len(items))
	for _, it := range p.Items {
		adj[it.Name] = append(adj[it.Name], it.Targets()...)
	}
	for _, r := range p.Routes {
		adj[r.Source] = append(adj[r.Source], r.Targets...)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(items))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		color[name] = grey
		for _, next := range adj[name] {
			switch color[next] {
			case grey:
				return errorf("routes", "cycle detected: %s -> %s", strings.Join(append(path, name), " -> "), next)
			case white:
				if err := visit(next, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
