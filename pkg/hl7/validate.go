// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hl7

import (
	"fmt"
	"sort"
	"strings"
)

// Severity of a validation issue.
type Severity string

// Issue severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one validation finding.
type Issue struct {
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationError carries the blocking issues of a failed validation.
type ValidationError struct {
	Issues []Issue
}

// NewValidationError returns an error holding the error-severity issues,
// or nil when there are none.
func NewValidationError(issues []Issue) error {
	var blocking []Issue
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			blocking = append(blocking, issue)
		}
	}
	if len(blocking) == 0 {
		return nil
	}
	return &ValidationError{Issues: blocking}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hl7: validation failed: %s", e.Text(3))
}

// Text joins up to max issues into one diagnostic string.
func (e *ValidationError) Text(max int) string {
	parts := make([]string, 0, max)
	for i, issue := range e.Issues {
		if i == max {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Issues)-max))
			break
		}
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

// Retryable implements the errs.Retryable interface. The same bytes will
// fail validation again.
func (e *ValidationError) Retryable() bool { return false }

// ValidateRaw parses and validates bytes against a schema category.
func ValidateRaw(raw []byte, reg *Registry, category string) []Issue {
	m, err := Parse(raw)
	if err != nil {
		return []Issue{{Path: "MSH", Message: err.Error(), Severity: SeverityError}}
	}
	return Validate(m, reg, category)
}

// Validate checks the message against the schema category: MSH first, the
// required MSH fields non-empty, required segments of the resolved
// structure present, per-field requirements and lengths of the segments
// that are present. Unknown structures and unexpected repeats are
// warnings, not errors.
func Validate(m *Message, reg *Registry, category string) []Issue {
	var issues []Issue

	segs := m.segmentsParsed()
	if len(segs) == 0 || segs[0].name != "MSH" {
		return []Issue{{Path: "MSH", Message: "first segment must be MSH", Severity: SeverityError}}
	}

	for _, req := range []struct {
		field int
		name  string
	}{
		{7, "DateTimeOfMessage"},
		{9, "MessageType"},
		{10, "MessageControlID"},
		{11, "ProcessingID"},
		{12, "VersionID"},
	} {
		path := fmt.Sprintf("MSH-%d", req.field)
		if m.GetField(path, "") == "" {
			issues = append(issues, Issue{Path: path, Message: req.name + " is required", Severity: SeverityError})
		}
	}

	msgType := m.MessageType()
	if msgType == "" {
		return issues
	}

	def, ok := reg.ResolveMessage(category, msgType)
	if !ok {
		issues = append(issues, Issue{
			Path:     "MSH-9",
			Message:  fmt.Sprintf("no structure %s in schema category %s", msgType, category),
			Severity: SeverityWarning,
		})
		return issues
	}

	allowed := make(map[string]*SegmentRef, len(def.Segments))
	for i := range def.Segments {
		allowed[def.Segments[i].Name] = &def.Segments[i]
	}

	for _, ref := range def.Segments {
		count := m.SegmentCount(ref.Name)
		if ref.Required && count == 0 {
			issues = append(issues, Issue{
				Path:     ref.Name,
				Message:  fmt.Sprintf("required segment %s is missing", ref.Name),
				Severity: SeverityError,
			})
		}
		if !ref.Repeats && count > 1 {
			issues = append(issues, Issue{
				Path:     ref.Name,
				Message:  fmt.Sprintf("segment %s occurs %d times but does not repeat", ref.Name, count),
				Severity: SeverityWarning,
			})
		}
	}

	warned := make(map[string]bool)
	occurrence := make(map[string]int)
	for _, s := range segs {
		occurrence[s.name]++
		if _, known := allowed[s.name]; !known && !warned[s.name] {
			warned[s.name] = true
			issues = append(issues, Issue{
				Path:     s.name,
				Message:  fmt.Sprintf("segment %s is not part of %s", s.name, msgType),
				Severity: SeverityWarning,
			})
		}
		issues = append(issues, validateFields(m, reg, category, s, occurrence[s.name])...)
	}

	return issues
}

// validateFields checks required fields and max lengths for one segment
// occurrence, in field order.
func validateFields(m *Message, reg *Registry, category string, s *segment, occurrence int) []Issue {
	def, ok := reg.ResolveSegment(category, s.name)
	if !ok {
		return nil
	}

	positions := make([]int, 0, len(def.Fields))
	for pos := range def.Fields {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var issues []Issue
	for _, pos := range positions {
		fd := def.Fields[pos]
		raw, present := m.fieldRaw(s, pos)
		path := fieldPathString(s.name, occurrence, pos)
		if fd.Required && (!present || raw == "") {
			issues = append(issues, Issue{
				Path:     path,
				Message:  fd.Name + " is required",
				Severity: SeverityError,
			})
			continue
		}
		if fd.MaxLen > 0 && len(raw) > fd.MaxLen {
			issues = append(issues, Issue{
				Path:     path,
				Message:  fmt.Sprintf("%s exceeds %d characters", fd.Name, fd.MaxLen),
				Severity: SeverityWarning,
			})
		}
	}
	return issues
}

func fieldPathString(name string, occurrence, pos int) string {
	if occurrence > 1 {
		return fmt.Sprintf("%s(%d)-%d", name, occurrence, pos)
	}
	return fmt.Sprintf("%s-%d", name, pos)
}
