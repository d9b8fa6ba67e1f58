// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hl7

import (
	"fmt"
	"strings"
	"time"
)

// Acknowledgement codes the engine generates. Enhanced-mode commit codes
// (CA/CE/CR) are interpreted on receive but never produced.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// DefaultAckText is used for positive acknowledgements with no custom text.
const DefaultAckText = "Message accepted"

// CreateAck builds an acknowledgement for the message: an MSH with
// sender/receiver swapped, a fresh timestamp, the original processing id
// and version, and an MSA carrying code, the original control id and text.
// Apart from the timestamp the output is deterministic for a given input.
func CreateAck(m *Message, code, text string) ([]byte, error) {
	switch code {
	case AckAccept, AckError, AckReject:
	default:
		return nil, fmt.Errorf("hl7: invalid ack code %q", code)
	}
	if text == "" && code == AckAccept {
		text = DefaultAckText
	}

	d := m.Delimiters()
	fs := string(d.Field)
	encoding := string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})

	msgType := "ACK"
	if trigger := m.GetField("MSH-9.2", ""); trigger != "" {
		msgType += string(d.Component) + trigger
	}
	controlID := m.ControlID()

	msh := strings.Join([]string{
		"MSH",
		encoding,
		m.GetField("MSH-5", ""), // we answer as the original receiver
		m.GetField("MSH-6", ""),
		m.GetField("MSH-3", ""),
		m.GetField("MSH-4", ""),
		time.Now().Format("20060102150405"),
		"",
		msgType,
		"ACK" + controlID,
		m.GetField("MSH-11", "P"),
		m.GetField("MSH-12", "2.4"),
	}, fs)

	msa := strings.Join([]string{
		"MSA",
		code,
		controlID,
		encodeEscapes(text, d),
	}, fs)

	return []byte(msh + "\r" + msa + "\r"), nil
}
