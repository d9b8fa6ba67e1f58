// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package host

import (
	"context"
	"fmt"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/metrics"
	"github.com/santemesh/hie/pkg/routing"
	"github.com/santemesh/hie/pkg/util/log"
)

// Process is the routing host: workers pull queued messages, evaluate the
// compiled rule set and dispatch a leg per resulting target.
type Process struct {
	*base
	rules *routing.RuleSet
}

// routerConfig is the host settings bag of a routing process.
type routerConfig struct {
	Settings          `mapstructure:",squash"`
	TargetConfigNames string `mapstructure:"TargetConfigNames"`
}

func newRouter(item config.Item, deps Deps) (Host, error) {
	var cfg routerConfig
	if err := item.Settings.Decode(item.Name, config.TargetHost, &cfg); err != nil {
		return nil, err
	}
	b, err := newBase(item, deps, cfg.Settings)
	if err != nil {
		return nil, err
	}
	rules, err := routing.NewRuleSet(deps.Routes, config.TargetNames(cfg.TargetConfigNames))
	if err != nil {
		return nil, err
	}
	p := &Process{base: b, rules: rules}
	p.handler = p.route
	return p, nil
}

// Rules exposes the compiled rule set, mostly for status reporting.
func (p *Process) Rules() *routing.RuleSet { return p.rules }

func (p *Process) route(ctx context.Context, m *message.Message) error {
	res, err := p.rules.Evaluate(m)
	if err != nil {
		return err
	}
	if res.Deleted {
		return ErrMessageDiscarded
	}
	if len(res.Targets) == 0 {
		log.Debugf("%s | message %s matched no route and has no default targets", p.name, m.ID)
		return nil
	}

	for _, target := range res.Targets {
		out := res.Message
		if target.Transform != "" {
			transform, ok := routing.LookupTransform(target.Transform)
			if !ok {
				return fmt.Errorf("host %s: unknown transform %q for target %s", p.name, target.Transform, target.Name)
			}
			transformed, err := transform(out)
			if err != nil {
				return fmt.Errorf("host %s: transform %s: %w", p.name, target.Transform, err)
			}
			out = transformed
		}
		leg := out.NextLeg(target.Name)
		if err := p.deps.Dispatch(ctx, leg, target.Name); err != nil {
			return err
		}
		metrics.TlmMessagesSent.Inc(p.name, target.Name)
		metrics.MessagesSent.Add(1)
	}
	return nil
}
