// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hl7

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldPath addresses one value inside a message:
// SEGMENT[(occurrence)]-field[.component[.subcomponent]], all 1-based.
// Occurrence selects among repeating segments and defaults to the first.
type FieldPath struct {
	Segment    string
	Occurrence int // 0 means first
	Field      int
	Component  int // 0 means the whole field
	Sub        int // 0 means the whole component
}

// String renders the path back in its canonical form.
func (p FieldPath) String() string {
	var b strings.Builder
	b.WriteString(p.Segment)
	if p.Occurrence > 0 {
		fmt.Fprintf(&b, "(%d)", p.Occurrence)
	}
	fmt.Fprintf(&b, "-%d", p.Field)
	if p.Component > 0 {
		fmt.Fprintf(&b, ".%d", p.Component)
		if p.Sub > 0 {
			fmt.Fprintf(&b, ".%d", p.Sub)
		}
	}
	return b.String()
}

// ParsePath parses a field path like "PID-5", "OBX(2)-5.1" or "MSH-9.1.2".
func ParsePath(path string) (FieldPath, error) {
	var p FieldPath

	dash := strings.IndexByte(path, '-')
	if dash < 0 {
		return p, fmt.Errorf("hl7: path %q: missing field number", path)
	}
	seg, rest := path[:dash], path[dash+1:]

	if open := strings.IndexByte(seg, '('); open >= 0 {
		if !strings.HasSuffix(seg, ")") {
			return p, fmt.Errorf("hl7: path %q: unterminated occurrence", path)
		}
		occ, err := strconv.Atoi(seg[open+1 : len(seg)-1])
		if err != nil || occ < 1 {
			return p, fmt.Errorf("hl7: path %q: bad occurrence", path)
		}
		p.Occurrence = occ
		seg = seg[:open]
	}

	if !validSegmentName(seg) {
		return p, fmt.Errorf("hl7: path %q: bad segment name %q", path, seg)
	}
	p.Segment = seg

	parts := strings.Split(rest, ".")
	if len(parts) > 3 {
		return p, fmt.Errorf("hl7: path %q: too many levels", path)
	}
	idx := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return p, fmt.Errorf("hl7: path %q: bad index %q", path, part)
		}
		idx[i] = n
	}
	p.Field = idx[0]
	if len(idx) > 1 {
		p.Component = idx[1]
	}
	if len(idx) > 2 {
		p.Sub = idx[2]
	}
	return p, nil
}

// validSegmentName accepts the standard three-character names plus
// Z-segments: an uppercase letter followed by two uppercase letters or
// digits.
func validSegmentName(s string) bool {
	if len(s) != 3 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < 3; i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
