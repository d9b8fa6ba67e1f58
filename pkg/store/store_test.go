// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/santemesh/hie/pkg/message"
)

type BuntStoreSuite struct {
	suite.Suite
	store *BuntStore
	ctx   context.Context
}

func (s *BuntStoreSuite) SetupTest() {
	st, err := OpenBunt(BuntOptions{Path: ":memory:"})
	s.Require().NoError(err)
	s.store = st
	s.ctx = context.Background()
}

func (s *BuntStoreSuite) TearDownTest() {
	s.store.Close()
}

func (s *BuntStoreSuite) leg(session, source, target string, raw []byte) Leg {
	return Leg{
		SessionID:     session,
		CorrelationID: "MSG001",
		SourceConfig:  source,
		TargetConfig:  target,
		MessageType:   "ADT_A01",
		Status:        message.StatusQueued,
		RawBytes:      raw,
		ContentType:   message.ContentTypeHL7,
		BodyClassName: "HL7Message",
		HL7Type:       "ADT_A01",
		HL7ControlID:  "MSG001",
	}
}

func (s *BuntStoreSuite) TestStoreAndGet() {
	raw := []byte("MSH|^~\\&|A|B|C|D|20240101||ADT^A01|MSG001|P|2.4\r")
	id, err := s.store.StoreHeader(s.ctx, s.leg("sess-1", "ADT_In", "", raw))
	s.Require().NoError(err)

	h, err := s.store.GetByID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("sess-1", h.SessionID)
	s.Equal("MSG001", h.CorrelationID)
	s.Equal(string(message.StatusQueued), h.Status)
	s.NotEmpty(h.BodyID)

	content, err := s.store.GetContent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(raw, content)
}

func (s *BuntStoreSuite) TestBodyDedup() {
	raw := []byte("MSH|^~\\&|A|B|C|D|20240101||ADT^A01|MSG001|P|2.4\r")

	// Three legs of one business event share one body row.
	for _, target := range []string{"", "EPR_Out", "RIS_Out"} {
		_, err := s.store.StoreHeader(s.ctx, s.leg("sess-1", "ADT_In", target, raw))
		s.Require().NoError(err)
	}

	st, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, st.Headers)
	s.Equal(1, st.Bodies)
}

func (s *BuntStoreSuite) TestUpdateStatusRecordsCompletion() {
	id, err := s.store.StoreHeader(s.ctx, s.leg("sess-1", "ADT_In", "EPR_Out", []byte("x")))
	s.Require().NoError(err)

	ack := []byte("MSH|...\rMSA|AA|MSG001\r")
	s.Require().NoError(s.store.UpdateStatus(s.ctx, id, message.StatusCompleted, ack, ""))

	h, err := s.store.GetByID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(string(message.StatusCompleted), h.Status)
	s.Equal(ack, h.AckContent)
	s.NotNil(h.CompletedAt)
}

func (s *BuntStoreSuite) TestUpdateStatusUnknownID() {
	err := s.store.UpdateStatus(s.ctx, "nope", message.StatusCompleted, nil, "")
	s.ErrorIs(err, ErrNotFound)
}

func (s *BuntStoreSuite) TestCompressionRoundtrip() {
	// Compressible payload above the threshold.
	raw := bytes.Repeat([]byte("PID|1||12345^^^HOSP^MR||DOE^JOHN\r"), 300)
	s.Require().Greater(len(raw), DefaultCompressMinBytes)

	id, err := s.store.StoreHeader(s.ctx, s.leg("sess-1", "ADT_In", "", raw))
	s.Require().NoError(err)

	content, err := s.store.GetContent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(raw, content)

	st, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Less(st.BodyBytes, int64(len(raw)))
}

func (s *BuntStoreSuite) TestQueryBySession() {
	raw := []byte("payload")
	_, err := s.store.StoreHeader(s.ctx, s.leg("sess-1", "ADT_In", "", raw))
	s.Require().NoError(err)
	_, err = s.store.StoreHeader(s.ctx, s.leg("sess-1", "Router", "EPR_Out", raw))
	s.Require().NoError(err)
	_, err = s.store.StoreHeader(s.ctx, s.leg("sess-2", "ADT_In", "", raw))
	s.Require().NoError(err)

	rows, err := s.store.Query(s.ctx, MessageQuery{SessionID: "sess-1"})
	s.Require().NoError(err)
	s.Len(rows, 2)

	rows, err = s.store.Query(s.ctx, MessageQuery{TargetConfig: "EPR_Out"})
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *BuntStoreSuite) TestListByProjectFilters() {
	raw := []byte("payload")
	legIn := s.leg("sess-1", "ADT_In", "", raw)
	legIn.ProjectID = "proj-1"
	legOut := s.leg("sess-1", "Router", "EPR_Out", raw)
	legOut.ProjectID = "proj-1"
	_, err := s.store.StoreHeader(s.ctx, legIn)
	s.Require().NoError(err)
	_, err = s.store.StoreHeader(s.ctx, legOut)
	s.Require().NoError(err)

	rows, total, err := s.store.ListByProject(s.ctx, "proj-1", Filters{Direction: "outbound"}, 10, 0)
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Require().Len(rows, 1)
	s.Equal("EPR_Out", rows[0].TargetConfig)

	_, total, err = s.store.ListByProject(s.ctx, "other", Filters{}, 10, 0)
	s.Require().NoError(err)
	s.Zero(total)
}

func (s *BuntStoreSuite) TestDeleteOlderThan() {
	old := s.leg("sess-old", "ADT_In", "", []byte("old payload"))
	old.ReceivedAt = time.Now().UTC().AddDate(0, 0, -30)
	_, err := s.store.StoreHeader(s.ctx, old)
	s.Require().NoError(err)
	_, err = s.store.StoreHeader(s.ctx, s.leg("sess-new", "ADT_In", "", []byte("new payload")))
	s.Require().NoError(err)

	n, err := s.store.DeleteOlderThan(s.ctx, 7)
	s.Require().NoError(err)
	s.Equal(1, n)

	st, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Headers)
	s.Equal(1, st.Bodies)
}

func TestBuntStoreSuite(t *testing.T) {
	suite.Run(t, new(BuntStoreSuite))
}

func TestBodyHashStable(t *testing.T) {
	a := BodyHash([]byte("payload"), "text/plain")
	b := BodyHash([]byte("payload"), "text/plain")
	c := BodyHash([]byte("payload"), "application/hl7-v2+er7")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
