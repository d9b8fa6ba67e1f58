// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adtA01 = []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||ADT^A01|MSG001|P|2.4\r" +
	"EVN|A01|20240101120000\r" +
	"PID|1||12345^^^HOSP^MR||DOE^JOHN\r" +
	"PV1|1|I|WARD1\r")

func TestNewHL7Message(t *testing.T) {
	m := New(adtA01, ContentTypeHL7, "ADT_In")

	assert.NotEmpty(t, m.ID)
	assert.NotEmpty(t, m.SessionID)
	assert.NotEqual(t, m.ID, m.SessionID)
	assert.Equal(t, "MSG001", m.CorrelationID)
	assert.Equal(t, "ADT_A01", m.MessageType)
	assert.Equal(t, "ADT_In", m.SourceConfig)
	assert.Equal(t, StatusCreated, m.Status)
}

func TestNewNonHL7FallsBackToMessageID(t *testing.T) {
	m := New([]byte("hello"), ContentTypePlain, "File_In")
	assert.Equal(t, m.ID, m.CorrelationID)
	assert.Empty(t, m.MessageType)
}

func TestNextLegPreservesSessionAndCorrelation(t *testing.T) {
	m := New(adtA01, ContentTypeHL7, "ADT_In")
	leg := m.NextLeg("EPR_Out")

	assert.NotEqual(t, m.ID, leg.ID)
	assert.Equal(t, m.SessionID, leg.SessionID)
	assert.Equal(t, m.CorrelationID, leg.CorrelationID)
	assert.Equal(t, "EPR_Out", leg.TargetConfig)
	assert.Equal(t, StatusCreated, leg.Status)
}

func TestWithRawLeavesOriginalUntouched(t *testing.T) {
	m := New(adtA01, ContentTypeHL7, "ADT_In")
	parsed, err := m.Parsed()
	require.NoError(t, err)

	edited, err := parsed.SetField("PID-5.1", "SMITH")
	require.NoError(t, err)
	next := m.WithRaw(edited.Raw())

	assert.Equal(t, "SMITH", next.GetField("PID-5.1", ""))
	assert.Equal(t, "DOE", m.GetField("PID-5.1", ""))
	assert.Equal(t, m.SessionID, next.SessionID)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusDiscarded.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusError.Terminal())
}
