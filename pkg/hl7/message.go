// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hl7

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// Delimiters holds the five separator characters of an ER7 message,
// declared by MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the separators virtually every sender uses.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

type segment struct {
	name string
	// fields holds the raw field tokens after the segment name. For MSH
	// this starts at MSH-2 (MSH-1 is the field separator itself).
	fields []string
}

// Message is a lazy view over raw ER7 bytes. The raw bytes are never
// mutated: reads parse on demand and cache, SetField assembles new bytes
// and returns a new view. The caller must not modify the buffer it handed
// to Parse.
type Message struct {
	raw    []byte
	delims Delimiters

	mu       sync.Mutex
	segments []*segment
	cache    map[string]string
}

// Parse builds a view over raw. It fails when the bytes do not start with
// a plausible MSH header; everything else is parsed on demand.
func Parse(raw []byte) (*Message, error) {
	if len(raw) < 8 || !bytes.HasPrefix(raw, []byte("MSH")) {
		return nil, fmt.Errorf("hl7: message does not start with an MSH segment")
	}

	// MSH-2 runs from raw[4] to the next field separator. Senders may
	// truncate it; missing positions fall back to the defaults.
	d := DefaultDelimiters
	d.Field = raw[3]
	encEnd := 4
	for encEnd < len(raw) && encEnd < 8 && raw[encEnd] != d.Field {
		encEnd++
	}
	enc := raw[4:encEnd]
	if len(enc) > 0 {
		d.Component = enc[0]
	}
	if len(enc) > 1 {
		d.Repetition = enc[1]
	}
	if len(enc) > 2 {
		d.Escape = enc[2]
	}
	if len(enc) > 3 {
		d.Subcomponent = enc[3]
	}

	return &Message{raw: raw, delims: d, cache: make(map[string]string)}, nil
}

// Raw returns the underlying bytes. Treat them as read-only.
func (m *Message) Raw() []byte { return m.raw }

// Delimiters returns the separators the message declares.
func (m *Message) Delimiters() Delimiters { return m.delims }

// segmentsParsed splits the raw bytes into segments once and caches them.
func (m *Message) segmentsParsed() []*segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmentsLocked()
}

func (m *Message) segmentsLocked() []*segment {
	if m.segments != nil {
		return m.segments
	}
	lines := bytes.FieldsFunc(m.raw, func(r rune) bool { return r == '\r' || r == '\n' })
	segs := make([]*segment, 0, len(lines))
	sep := string(m.delims.Field)
	for _, line := range lines {
		if len(line) < 3 {
			continue
		}
		tokens := strings.Split(string(line), sep)
		segs = append(segs, &segment{name: tokens[0], fields: tokens[1:]})
	}
	m.segments = segs
	return segs
}

// findSegment returns the nth occurrence (1-based; 0 selects the first).
func findSegment(segs []*segment, name string, occurrence int) *segment {
	if occurrence < 1 {
		occurrence = 1
	}
	seen := 0
	for _, s := range segs {
		if s.name == name {
			seen++
			if seen == occurrence {
				return s
			}
		}
	}
	return nil
}

// fieldRaw returns the raw text of field n of a segment. MSH-1 is the
// field separator itself and MSH-2 is the first stored token.
func (m *Message) fieldRaw(s *segment, n int) (string, bool) {
	idx := n - 1
	if s.name == "MSH" {
		if n == 1 {
			return string(m.delims.Field), true
		}
		idx = n - 2
	}
	if idx < 0 || idx >= len(s.fields) {
		return "", false
	}
	return s.fields[idx], true
}

// GetField resolves a path ("PID-5.1", "OBX(2)-5") and returns the decoded
// value, or def when the segment or field is absent. Component and
// subcomponent indexes address the first repetition of a repeating field.
// Results are cached on the view.
func (m *Message) GetField(path, def string) string {
	p, err := ParsePath(path)
	if err != nil {
		return def
	}

	key := p.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.cache[key]; ok {
		return v
	}

	seg := findSegment(m.segmentsLocked(), p.Segment, p.Occurrence)
	if seg == nil {
		return def
	}
	raw, ok := m.fieldRaw(seg, p.Field)
	if !ok {
		return def
	}

	value := raw
	if p.Component > 0 {
		// Components address within the first repetition.
		if i := strings.IndexByte(value, m.delims.Repetition); i >= 0 {
			value = value[:i]
		}
		comps := strings.Split(value, string(m.delims.Component))
		if p.Component > len(comps) {
			return def
		}
		value = comps[p.Component-1]
		if p.Sub > 0 {
			subs := strings.Split(value, string(m.delims.Subcomponent))
			if p.Sub > len(subs) {
				return def
			}
			value = subs[p.Sub-1]
		}
	}

	value = decodeEscapes(value, m.delims)
	m.cache[key] = value
	return value
}

// SegmentCount returns how many times a segment occurs.
func (m *Message) SegmentCount(name string) int {
	count := 0
	for _, s := range m.segmentsParsed() {
		if s.name == name {
			count++
		}
	}
	return count
}

// MessageType returns the structure name in its "ADT_A01" form, derived
// from MSH-9.
func (m *Message) MessageType() string {
	msgType := m.GetField("MSH-9.1", "")
	if msgType == "" {
		return ""
	}
	trigger := m.GetField("MSH-9.2", "")
	if trigger == "" {
		return msgType
	}
	return msgType + "_" + trigger
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string { return m.GetField("MSH-10", "") }

// Version returns MSH-12.
func (m *Message) Version() string { return m.GetField("MSH-12", "") }

// SetField returns a new view over newly assembled bytes where the path
// holds value; the receiver is unchanged. The target segment must exist,
// missing fields up to the path are created. Delimiter characters in value
// are escaped. MSH-1 and MSH-2 cannot be set.
func (m *Message) SetField(path, value string) (*Message, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if p.Segment == "MSH" && p.Field <= 2 {
		return nil, fmt.Errorf("hl7: cannot set delimiter field %s", path)
	}

	segs := m.segmentsParsed()
	target := findSegment(segs, p.Segment, p.Occurrence)
	if target == nil {
		return nil, fmt.Errorf("hl7: segment %s not present", p.Segment)
	}

	d := m.delims
	idx := p.Field - 1
	if p.Segment == "MSH" {
		idx = p.Field - 2
	}

	fields := make([]string, len(target.fields))
	copy(fields, target.fields)
	for len(fields) <= idx {
		fields = append(fields, "")
	}
	fields[idx] = spliceField(fields[idx], p, value, d)

	var buf bytes.Buffer
	buf.Grow(len(m.raw) + len(value) + 8)
	for _, s := range segs {
		buf.WriteString(s.name)
		buf.WriteByte(d.Field)
		if s == target {
			buf.WriteString(strings.Join(fields, string(d.Field)))
		} else {
			buf.WriteString(strings.Join(s.fields, string(d.Field)))
		}
		buf.WriteByte('\r')
	}

	return Parse(buf.Bytes())
}

// spliceField rewrites one raw field string at the component/subcomponent
// granularity the path addresses.
func spliceField(raw string, p FieldPath, value string, d Delimiters) string {
	encoded := encodeEscapes(value, d)
	if p.Component == 0 {
		return encoded
	}

	// Operate on the first repetition, preserving the others.
	reps := strings.Split(raw, string(d.Repetition))
	comps := strings.Split(reps[0], string(d.Component))
	for len(comps) < p.Component {
		comps = append(comps, "")
	}
	if p.Sub == 0 {
		comps[p.Component-1] = encoded
	} else {
		subs := strings.Split(comps[p.Component-1], string(d.Subcomponent))
		for len(subs) < p.Sub {
			subs = append(subs, "")
		}
		subs[p.Sub-1] = encoded
		comps[p.Component-1] = strings.Join(subs, string(d.Subcomponent))
	}
	reps[0] = strings.Join(comps, string(d.Component))
	return strings.Join(reps, string(d.Repetition))
}
