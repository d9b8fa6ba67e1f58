// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/util/log"
)

// Action of a matched rule.
type Action string

// Rule actions.
const (
	ActionSend      Action = "send"
	ActionTransform Action = "transform"
	ActionStop      Action = "stop"
	ActionDelete    Action = "delete"
)

// Transform is a black-box message rewrite; it must return a new message
// and leave its input untouched.
type Transform func(*message.Message) (*message.Message, error)

var (
	transformsMu sync.Mutex
	transforms   = make(map[string]Transform)
)

// RegisterTransform installs a named transform in the process-wide registry.
func RegisterTransform(name string, t Transform) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms[name] = t
}

// LookupTransform fetches a registered transform.
func LookupTransform(name string) (Transform, bool) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	t, ok := transforms[name]
	return t, ok
}

// ResetTransforms clears the registry; tests call this in teardown.
func ResetTransforms() {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms = make(map[string]Transform)
}

// Rule is one compiled routing rule.
type Rule struct {
	Name      string
	Priority  int
	Enabled   bool
	Action    Action
	Targets   []string
	Transform string
	Ordered   bool

	cond CondFunc
}

// Target is one dispatch the evaluation produced.
type Target struct {
	Name      string
	Transform string
}

// Result of evaluating a rule set against one message.
type Result struct {
	// Targets in dispatch order.
	Targets []Target
	// Deleted is set when a delete rule matched; the message is discarded.
	Deleted bool
	// Message is the (possibly transformed) message to dispatch.
	Message *message.Message
}

// RuleSet is the ordered rule list of one process host.
type RuleSet struct {
	rules []Rule
	// DefaultTargets receive the message when no rule matches.
	DefaultTargets []string
	// Ordered serializes all evaluation through one lock, trading
	// throughput for strict ordering across the whole route.
	Ordered bool

	mu sync.Mutex
}

// NewRuleSet compiles the routes of one process. Condition syntax errors
// are configuration errors: the engine refuses to deploy.
func NewRuleSet(routes []config.Route, defaultTargets []string) (*RuleSet, error) {
	rs := &RuleSet{DefaultTargets: defaultTargets}
	for _, r := range routes {
		cond, err := compileRouteCondition(r)
		if err != nil {
			return nil, &config.Error{
				Path:   "routes/" + r.Name,
				Reason: fmt.Sprintf("invalid condition: %v", err),
			}
		}
		action := Action(r.Action)
		if action == "" {
			action = ActionSend
		}
		rs.rules = append(rs.rules, Rule{
			Name:      r.Name,
			Priority:  r.Priority,
			Enabled:   r.IsEnabled(),
			Action:    action,
			Targets:   r.Targets,
			Transform: r.Transform,
			Ordered:   r.Ordered,
			cond:      cond,
		})
		if r.Ordered {
			rs.Ordered = true
		}
	}
	// Descending priority, definition order within equal priorities.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})
	return rs, nil
}

// compileRouteCondition combines the route's condition with its multi-filter
// list: filters AND/OR-fold into one condition per filter_mode.
func compileRouteCondition(r config.Route) (CondFunc, error) {
	conds := make([]string, 0, len(r.Filters)+1)
	if strings.TrimSpace(r.Condition) != "" {
		conds = append(conds, r.Condition)
	}
	for _, f := range r.Filters {
		if strings.TrimSpace(f) != "" {
			conds = append(conds, f)
		}
	}
	switch len(conds) {
	case 0:
		return CompileCondition("")
	case 1:
		return CompileCondition(conds[0])
	}

	compiled := make([]CondFunc, len(conds))
	for i, c := range conds {
		f, err := CompileCondition(c)
		if err != nil {
			return nil, err
		}
		compiled[i] = f
	}
	if r.FilterMode == "any" {
		return func(g FieldGetter) bool {
			for _, f := range compiled {
				if f(g) {
					return true
				}
			}
			return false
		}, nil
	}
	// Default mode is all.
	return func(g FieldGetter) bool {
		for _, f := range compiled {
			if !f(g) {
				return false
			}
		}
		return true
	}, nil
}

// Rules returns the compiled rules in evaluation order.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

// Evaluate runs the rule set: first matching rule wins, except transform
// rules which rewrite the message and continue. Delete discards, stop ends
// with no targets, send collects targets. With no match the default target
// list applies.
func (rs *RuleSet) Evaluate(m *message.Message) (Result, error) {
	if rs.Ordered {
		rs.mu.Lock()
		defer rs.mu.Unlock()
	}

	res := Result{Message: m}
	matched := false
	for _, rule := range rs.rules {
		if !rule.Enabled || !rule.cond(res.Message) {
			continue
		}
		switch rule.Action {
		case ActionTransform:
			transform, ok := LookupTransform(rule.Transform)
			if !ok {
				return res, fmt.Errorf("routing: rule %s references unknown transform %q", rule.Name, rule.Transform)
			}
			next, err := transform(res.Message)
			if err != nil {
				return res, fmt.Errorf("routing: transform %s: %w", rule.Transform, err)
			}
			res.Message = next
			// Transform rules do not terminate evaluation.
			continue
		case ActionDelete:
			log.Debugf("routing | rule %s deleted message %s", rule.Name, m.ID)
			res.Deleted = true
			return res, nil
		case ActionStop:
			return res, nil
		default: // send
			for _, t := range rule.Targets {
				res.Targets = append(res.Targets, Target{Name: t, Transform: rule.Transform})
			}
			matched = true
			return res, nil
		}
	}

	if !matched {
		for _, t := range rs.DefaultTargets {
			res.Targets = append(res.Targets, Target{Name: t})
		}
	}
	return res, nil
}
