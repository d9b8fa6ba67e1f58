// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package host

import (
	"context"
	"errors"
	"strings"

	"github.com/santemesh/hie/pkg/adapter"
	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/hl7"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/metrics"
	"github.com/santemesh/hie/pkg/util/log"
)

// Ack modes of an inbound service.
const (
	AckModeImmediate   = "Immediate"
	AckModeApplication = "Application"
	AckModeNever       = "Never"
)

// ServiceSettings are the host-level knobs of an inbound service.
type ServiceSettings struct {
	AckMode               string `mapstructure:"AckMode"`
	MessageSchemaCategory string `mapstructure:"MessageSchemaCategory"`
	TargetConfigNames     string `mapstructure:"TargetConfigNames"`
	BadMessageHandler     string `mapstructure:"BadMessageHandler"`
}

func (s *ServiceSettings) fill() error {
	if s.AckMode == "" {
		s.AckMode = AckModeImmediate
	}
	switch s.AckMode {
	case AckModeImmediate, AckModeApplication, AckModeNever:
	default:
		return &config.Error{Path: "host/AckMode", Reason: "unknown ack mode " + s.AckMode}
	}
	if s.MessageSchemaCategory == "" {
		s.MessageSchemaCategory = hl7.BaseCategory
	}
	return nil
}

// Service is an inbound host: it owns the receiving adapter, validates
// what arrives, acknowledges it and fans it out to its targets. Services
// have no worker pool; the adapter's own concurrency drives them.
type Service struct {
	*base
	settings ServiceSettings
	targets  []string
	schemas  *hl7.Registry
}

// serviceConfig is the host settings bag of an inbound service.
type serviceConfig struct {
	Settings        `mapstructure:",squash"`
	ServiceSettings `mapstructure:",squash"`
}

func newService(item config.Item, deps Deps) (*Service, error) {
	var cfg serviceConfig
	if err := item.Settings.Decode(item.Name, config.TargetHost, &cfg); err != nil {
		return nil, err
	}
	b, err := newBase(item, deps, cfg.Settings)
	if err != nil {
		return nil, err
	}
	settings := cfg.ServiceSettings
	if err := settings.fill(); err != nil {
		return nil, err
	}
	schemas := deps.Schemas
	if schemas == nil {
		schemas = hl7.DefaultRegistry()
	}
	return &Service{
		base:     b,
		settings: settings,
		targets:  config.TargetNames(settings.TargetConfigNames),
		schemas:  schemas,
	}, nil
}

// receive is the shared ingress path: build the message, validate HL7
// payloads, record the inbound leg and fan out. The returned message is
// nil when validation rejected the payload.
func (s *Service) receive(payload []byte, contentType string, meta adapter.Meta) (*message.Message, error) {
	m := message.New(payload, contentType, s.name)
	if m.MessageType == "" && meta.MessageType != "" {
		m.MessageType = meta.MessageType
	}
	metrics.TlmMessagesReceived.Inc(s.name, messageTypeLabel(m))
	metrics.MessagesReceived.Add(1)
	metrics.TlmMessageSize.Observe(float64(len(payload)), s.name, "in")

	if contentType == message.ContentTypeHL7 {
		if err := s.validate(m); err != nil {
			metrics.TlmMessagesFailed.Inc(s.name, "validation")
			metrics.MessagesFailed.Add(1)
			if s.settings.BadMessageHandler != "" {
				// Preserve the rejected payload for manual repair.
				s.dispatch(m, []string{s.settings.BadMessageHandler})
			} else {
				s.deps.Recorder.Rejected(m, err)
			}
			return nil, err
		}
	}
	return m, nil
}

func (s *Service) validate(m *message.Message) error {
	if _, err := m.Parsed(); err != nil {
		return hl7.NewValidationError([]hl7.Issue{{
			Path:     "MSH",
			Message:  err.Error(),
			Severity: hl7.SeverityError,
		}})
	}
	issues := hl7.ValidateRaw(m.RawBytes, s.schemas, s.settings.MessageSchemaCategory)
	return hl7.NewValidationError(issues)
}

// dispatch fans one message out to targets, one leg per target.
func (s *Service) dispatch(m *message.Message, targets []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.base.settings.MessageTimeout)
	defer cancel()
	for _, target := range targets {
		leg := m.NextLeg(target)
		if err := s.deps.Dispatch(ctx, leg, target); err != nil {
			return err
		}
		metrics.TlmMessagesSent.Inc(s.name, target)
		metrics.MessagesSent.Add(1)
	}
	return nil
}

// ack builds the HL7 acknowledgement for an inbound message.
func (s *Service) ack(m *message.Message, code, text string) []byte {
	parsed, err := m.Parsed()
	if err != nil {
		return nil
	}
	out, err := hl7.CreateAck(parsed, code, text)
	if err != nil {
		log.Warnf("%s | cannot build %s ack for %s: %v", s.name, code, m.ID, err)
		return nil
	}
	metrics.TlmAcks.Inc(s.name, code)
	return out
}

func messageTypeLabel(m *message.Message) string {
	if m.MessageType == "" {
		return "unknown"
	}
	return m.MessageType
}

// onHL7 is the adapter handler of MLLP services: validate, ACK, fan out.
// The ack policy decides how enqueue failures surface to the sender.
func (s *Service) onHL7(payload []byte, meta adapter.Meta) ([]byte, error) {
	m, err := s.receive(payload, message.ContentTypeHL7, meta)
	if err != nil {
		var verr *hl7.ValidationError
		if errors.As(err, &verr) && s.settings.AckMode != AckModeNever {
			if m2, perr := hl7.Parse(payload); perr == nil {
				if out, aerr := hl7.CreateAck(m2, "AE", verr.Text(3)); aerr == nil {
					metrics.TlmAcks.Inc(s.name, "AE")
					return out, err
				}
			}
		}
		return nil, err
	}

	switch s.settings.AckMode {
	case AckModeNever:
		if err := s.dispatch(m, s.targets); err != nil {
			return nil, err
		}
		return nil, nil
	case AckModeImmediate:
		// Acknowledge acceptance regardless of downstream pressure; the
		// dispatcher's log retries what could not be queued.
		out := s.ack(m, "AA", hl7.DefaultAckText)
		if err := s.dispatch(m, s.targets); err != nil {
			log.Errorf("%s | dispatch of %s failed after immediate ack: %v", s.name, m.ID, err)
		}
		return out, nil
	default: // Application
		if err := s.dispatch(m, s.targets); err != nil {
			var bp *BackpressureError
			if errors.As(err, &bp) {
				return s.ack(m, "AR", "queue full, retry later"), err
			}
			return s.ack(m, "AE", "internal error"), err
		}
		return s.ack(m, "AA", hl7.DefaultAckText), nil
	}
}

// onOpaque is the adapter handler of file and HTTP services: no HL7 ACK,
// the message id is the response.
func (s *Service) onOpaque(payload []byte, meta adapter.Meta) ([]byte, error) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = message.ContentTypePlain
	}
	m, err := s.receive(payload, contentType, meta)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(m, s.targets); err != nil {
		return nil, err
	}
	return []byte(m.ID), nil
}

func newTCPService(item config.Item, deps Deps) (Host, error) {
	s, err := newService(item, deps)
	if err != nil {
		return nil, err
	}
	var as adapter.MLLPInboundSettings
	if err := item.Settings.Decode(item.Name, config.TargetAdapter, &as); err != nil {
		return nil, err
	}
	in, err := adapter.NewMLLPInbound(item.Name, as, s.onHL7)
	if err != nil {
		return nil, err
	}
	s.startFn = in.Start
	s.stopFn = in.Stop
	return s, nil
}

func newFileService(item config.Item, deps Deps) (Host, error) {
	s, err := newService(item, deps)
	if err != nil {
		return nil, err
	}
	var as adapter.FileInboundSettings
	if err := item.Settings.Decode(item.Name, config.TargetAdapter, &as); err != nil {
		return nil, err
	}
	in, err := adapter.NewFileInbound(item.Name, as, s.onFile, nil, deps.Clock)
	if err != nil {
		return nil, err
	}
	s.startFn = in.Start
	s.stopFn = in.Stop
	return s, nil
}

// onFile treats .hl7/.er7 payloads as HL7 (validated, no ack to write
// back) and everything else as opaque.
func (s *Service) onFile(payload []byte, meta adapter.Meta) ([]byte, error) {
	if meta.ContentType == message.ContentTypeHL7 {
		m, err := s.receive(payload, message.ContentTypeHL7, meta)
		if err != nil {
			return nil, err
		}
		return nil, s.dispatch(m, s.targets)
	}
	return s.onOpaque(payload, meta)
}

func newHTTPService(item config.Item, deps Deps) (Host, error) {
	s, err := newService(item, deps)
	if err != nil {
		return nil, err
	}
	var as adapter.HTTPInboundSettings
	if err := item.Settings.Decode(item.Name, config.TargetAdapter, &as); err != nil {
		return nil, err
	}
	in, err := adapter.NewHTTPInbound(item.Name, as, s.onHTTP)
	if err != nil {
		return nil, err
	}
	s.startFn = in.Start
	s.stopFn = in.Stop
	return s, nil
}

// onHTTP validates HL7 content types and answers with the message id.
func (s *Service) onHTTP(payload []byte, meta adapter.Meta) ([]byte, error) {
	contentType := meta.ContentType
	if strings.HasPrefix(contentType, "application/hl7") {
		contentType = message.ContentTypeHL7
	}
	meta.ContentType = contentType
	return s.onOpaque(payload, meta)
}
