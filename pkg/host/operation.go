// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package host

import (
	"context"
	"fmt"

	"github.com/santemesh/hie/pkg/adapter"
	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/hl7"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/metrics"
	"github.com/santemesh/hie/pkg/util/log"
)

// OperationSettings are the host-level knobs of an outbound operation.
type OperationSettings struct {
	ReplyCodeActions string `mapstructure:"ReplyCodeActions"`
	// GetAck=false sends fire-and-forget over MLLP.
	GetAck *bool `mapstructure:"GetAck"`
}

// AckError is a negative acknowledgement interpreted through the
// operation's ReplyCodeActions. Only the retry action is retryable.
type AckError struct {
	Code   string
	Action config.ReplyAction
}

func (e *AckError) Error() string {
	return fmt.Sprintf("remote acknowledged with %s (action %c)", e.Code, e.Action)
}

// Retryable implements the errs seam.
func (e *AckError) Retryable() bool { return e.Action == config.ActionRetry }

// sendFunc delivers one message and returns the raw acknowledgement, or
// nil for protocols without one.
type sendFunc func(ctx context.Context, m *message.Message) ([]byte, error)

// Operation is an outbound host: workers pull queued legs, deliver them
// through the adapter and interpret the acknowledgement.
type Operation struct {
	*base
	rca      config.ReplyCodeActions
	settings OperationSettings
	send     sendFunc
}

// operationConfig is the host settings bag of an outbound operation.
type operationConfig struct {
	Settings          `mapstructure:",squash"`
	OperationSettings `mapstructure:",squash"`
}

func newOperation(item config.Item, deps Deps) (*Operation, error) {
	var cfg operationConfig
	if err := item.Settings.Decode(item.Name, config.TargetHost, &cfg); err != nil {
		return nil, err
	}
	b, err := newBase(item, deps, cfg.Settings)
	if err != nil {
		return nil, err
	}
	rca, err := config.ParseReplyCodeActions(cfg.ReplyCodeActions)
	if err != nil {
		return nil, &config.Error{
			Path:   "items/" + item.Name + "/settings/host/" + config.SettingReplyCodeActions,
			Reason: err.Error(),
		}
	}
	op := &Operation{base: b, rca: rca, settings: cfg.OperationSettings}
	op.handler = op.deliver
	return op, nil
}

func (o *Operation) deliver(ctx context.Context, m *message.Message) error {
	ack, err := o.send(ctx, m)
	if err != nil {
		return err
	}
	metrics.TlmMessagesSent.Inc(o.name, o.name)
	metrics.MessagesSent.Add(1)
	if ack == nil {
		return nil
	}

	code := "AA"
	if parsed, perr := hl7.Parse(ack); perr == nil {
		code = parsed.GetField("MSA-1", "")
	} else {
		log.Warnf("%s | unparseable ack for %s, treating as AA: %v", o.name, m.ID, perr)
	}
	metrics.TlmAcks.Inc(o.name, code)

	switch action := o.rca.ActionFor(code); action {
	case config.ActionSuccess:
		return nil
	case config.ActionWarning:
		log.Warnf("%s | message %s acknowledged with %s, continuing", o.name, m.ID, code)
		return nil
	default:
		return &AckError{Code: code, Action: action}
	}
}

func newTCPOperation(item config.Item, deps Deps) (Host, error) {
	op, err := newOperation(item, deps)
	if err != nil {
		return nil, err
	}
	var as adapter.MLLPOutboundSettings
	if err := item.Settings.Decode(item.Name, config.TargetAdapter, &as); err != nil {
		return nil, err
	}
	out, err := adapter.NewMLLPOutbound(item.Name, as)
	if err != nil {
		return nil, err
	}
	wantAck := op.settings.GetAck == nil || *op.settings.GetAck
	op.send = func(ctx context.Context, m *message.Message) ([]byte, error) {
		if !wantAck {
			return nil, out.SendNoAck(ctx, m.RawBytes)
		}
		return out.Send(ctx, m.RawBytes)
	}
	op.startFn = out.Start
	op.stopFn = out.Stop
	return op, nil
}

func newFileOperation(item config.Item, deps Deps) (Host, error) {
	op, err := newOperation(item, deps)
	if err != nil {
		return nil, err
	}
	var as adapter.FileOutboundSettings
	if err := item.Settings.Decode(item.Name, config.TargetAdapter, &as); err != nil {
		return nil, err
	}
	out, err := adapter.NewFileOutbound(item.Name, as, nil, deps.Clock)
	if err != nil {
		return nil, err
	}
	op.send = func(ctx context.Context, m *message.Message) ([]byte, error) {
		return nil, out.Send(ctx, m.RawBytes, m.ID)
	}
	op.startFn = out.Start
	op.stopFn = out.Stop
	return op, nil
}
