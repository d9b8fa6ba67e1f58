// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hl7

import (
	"strconv"
	"strings"
)

// decodeEscapes resolves the standard HL7 escape sequences in a leaf value:
// \F\ \S\ \T\ \R\ \E\ for the delimiters and \Xhh..\ for hex bytes.
// Unknown sequences are kept verbatim.
func decodeEscapes(s string, d Delimiters) string {
	esc := d.Escape
	if strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != esc {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end < 0 {
			// Dangling escape char, keep the tail as-is.
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch {
		case seq == "F":
			b.WriteByte(d.Field)
		case seq == "S":
			b.WriteByte(d.Component)
		case seq == "T":
			b.WriteByte(d.Subcomponent)
		case seq == "R":
			b.WriteByte(d.Repetition)
		case seq == "E":
			b.WriteByte(esc)
		case len(seq) > 1 && seq[0] == 'X' && len(seq)%2 == 1:
			for j := 1; j < len(seq); j += 2 {
				v, err := strconv.ParseUint(seq[j:j+2], 16, 8)
				if err != nil {
					b.WriteString(s[i : i+2+end])
					break
				}
				b.WriteByte(byte(v))
			}
		default:
			b.WriteString(s[i : i+2+end])
		}
		i += end + 2
	}
	return b.String()
}

// encodeEscapes protects delimiter characters in a value before it is
// embedded in newly assembled bytes.
func encodeEscapes(s string, d Delimiters) string {
	needsEscape := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Field, d.Component, d.Subcomponent, d.Repetition, d.Escape:
			needsEscape = true
		}
	}
	if !needsEscape {
		return s
	}

	esc := string(d.Escape)
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Subcomponent:
			b.WriteString(esc + "T" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
