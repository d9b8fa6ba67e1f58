// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hl7

// BaseCategory is the built-in schema every dialect eventually extends.
const BaseCategory = "2.4"

func init() {
	defaultRegistry.MustRegister(baseSchema())
}

// baseSchema builds the built-in 2.4 definitions: the segments and message
// structures the engine routes most, not the full standard. Site dialects
// extend this category with their Z-segments and local structures.
func baseSchema() *Schema {
	s := NewSchema(BaseCategory, "")

	s.AddSegment(&SegmentDef{Name: "MSH", Fields: map[int]FieldDef{
		1:  {Name: "FieldSeparator", Required: true, MaxLen: 1},
		2:  {Name: "EncodingCharacters", Required: true, MaxLen: 4},
		3:  {Name: "SendingApplication", MaxLen: 180},
		4:  {Name: "SendingFacility", MaxLen: 180},
		5:  {Name: "ReceivingApplication", MaxLen: 180},
		6:  {Name: "ReceivingFacility", MaxLen: 180},
		7:  {Name: "DateTimeOfMessage", Required: true, MaxLen: 26},
		8:  {Name: "Security", MaxLen: 40},
		9:  {Name: "MessageType", Required: true, MaxLen: 15},
		10: {Name: "MessageControlID", Required: true, MaxLen: 20},
		11: {Name: "ProcessingID", Required: true, MaxLen: 3},
		12: {Name: "VersionID", Required: true, MaxLen: 60},
	}})

	s.AddSegment(&SegmentDef{Name: "EVN", Fields: map[int]FieldDef{
		1: {Name: "EventTypeCode", MaxLen: 3},
		2: {Name: "RecordedDateTime", Required: true, MaxLen: 26},
	}})

	s.AddSegment(&SegmentDef{Name: "PID", Fields: map[int]FieldDef{
		1:  {Name: "SetID", MaxLen: 4},
		2:  {Name: "PatientID", MaxLen: 20},
		3:  {Name: "PatientIdentifierList", Required: true, MaxLen: 250, Repeats: true},
		5:  {Name: "PatientName", Required: true, MaxLen: 250, Repeats: true},
		7:  {Name: "DateTimeOfBirth", MaxLen: 26},
		8:  {Name: "AdministrativeSex", MaxLen: 1},
		11: {Name: "PatientAddress", MaxLen: 250, Repeats: true},
		18: {Name: "PatientAccountNumber", MaxLen: 250},
	}})

	s.AddSegment(&SegmentDef{Name: "NK1", Fields: map[int]FieldDef{
		1: {Name: "SetID", Required: true, MaxLen: 4},
		2: {Name: "Name", MaxLen: 250, Repeats: true},
		3: {Name: "Relationship", MaxLen: 250},
	}})

	s.AddSegment(&SegmentDef{Name: "PV1", Fields: map[int]FieldDef{
		1:  {Name: "SetID", MaxLen: 4},
		2:  {Name: "PatientClass", Required: true, MaxLen: 1},
		3:  {Name: "AssignedPatientLocation", MaxLen: 80},
		7:  {Name: "AttendingDoctor", MaxLen: 250, Repeats: true},
		19: {Name: "VisitNumber", MaxLen: 250},
		44: {Name: "AdmitDateTime", MaxLen: 26},
	}})

	s.AddSegment(&SegmentDef{Name: "ORC", Fields: map[int]FieldDef{
		1: {Name: "OrderControl", Required: true, MaxLen: 2},
		2: {Name: "PlacerOrderNumber", MaxLen: 22},
		3: {Name: "FillerOrderNumber", MaxLen: 22},
	}})

	s.AddSegment(&SegmentDef{Name: "OBR", Fields: map[int]FieldDef{
		1: {Name: "SetID", MaxLen: 4},
		2: {Name: "PlacerOrderNumber", MaxLen: 22},
		3: {Name: "FillerOrderNumber", MaxLen: 22},
		4: {Name: "UniversalServiceIdentifier", Required: true, MaxLen: 250},
		7: {Name: "ObservationDateTime", MaxLen: 26},
	}})

	s.AddSegment(&SegmentDef{Name: "OBX", Fields: map[int]FieldDef{
		1:  {Name: "SetID", MaxLen: 4},
		2:  {Name: "ValueType", MaxLen: 3},
		3:  {Name: "ObservationIdentifier", Required: true, MaxLen: 250},
		5:  {Name: "ObservationValue", MaxLen: 65536, Repeats: true},
		11: {Name: "ObservationResultStatus", Required: true, MaxLen: 1},
	}})

	s.AddSegment(&SegmentDef{Name: "NTE", Fields: map[int]FieldDef{
		1: {Name: "SetID", MaxLen: 4},
		3: {Name: "Comment", MaxLen: 65536, Repeats: true},
	}})

	s.AddSegment(&SegmentDef{Name: "AL1", Fields: map[int]FieldDef{
		1: {Name: "SetID", Required: true, MaxLen: 4},
		3: {Name: "AllergenCode", MaxLen: 250},
	}})

	s.AddSegment(&SegmentDef{Name: "DG1", Fields: map[int]FieldDef{
		1: {Name: "SetID", Required: true, MaxLen: 4},
		3: {Name: "DiagnosisCode", MaxLen: 250},
	}})

	s.AddSegment(&SegmentDef{Name: "MSA", Fields: map[int]FieldDef{
		1: {Name: "AcknowledgmentCode", Required: true, MaxLen: 2},
		2: {Name: "MessageControlID", Required: true, MaxLen: 20},
		3: {Name: "TextMessage", MaxLen: 80},
	}})

	s.AddSegment(&SegmentDef{Name: "ERR", Fields: map[int]FieldDef{
		1: {Name: "ErrorCodeAndLocation", MaxLen: 493, Repeats: true},
	}})

	admission := []SegmentRef{
		{Name: "MSH", Required: true},
		{Name: "EVN", Required: true},
		{Name: "PID", Required: true},
		{Name: "NK1", Repeats: true},
		{Name: "PV1", Required: true},
		{Name: "AL1", Repeats: true},
		{Name: "DG1", Repeats: true},
		{Name: "OBX", Repeats: true},
	}
	s.AddMessage(&MessageDef{Type: "ADT_A01", Segments: admission})
	s.AddMessage(&MessageDef{Type: "ADT_A02", Segments: []SegmentRef{
		{Name: "MSH", Required: true},
		{Name: "EVN", Required: true},
		{Name: "PID", Required: true},
		{Name: "PV1", Required: true},
	}})
	s.AddMessage(&MessageDef{Type: "ADT_A03", Segments: []SegmentRef{
		{Name: "MSH", Required: true},
		{Name: "EVN", Required: true},
		{Name: "PID", Required: true},
		{Name: "PV1", Required: true},
	}})
	s.AddMessage(&MessageDef{Type: "ADT_A08", Segments: admission})

	s.AddMessage(&MessageDef{Type: "ORU_R01", Segments: []SegmentRef{
		{Name: "MSH", Required: true},
		{Name: "PID", Required: true},
		{Name: "PV1"},
		{Name: "OBR", Required: true, Repeats: true},
		{Name: "OBX", Required: true, Repeats: true},
		{Name: "NTE", Repeats: true},
	}})

	s.AddMessage(&MessageDef{Type: "ORM_O01", Segments: []SegmentRef{
		{Name: "MSH", Required: true},
		{Name: "PID", Required: true},
		{Name: "PV1"},
		{Name: "ORC", Required: true, Repeats: true},
		{Name: "OBR", Repeats: true},
	}})

	s.AddMessage(&MessageDef{Type: "ACK", Segments: []SegmentRef{
		{Name: "MSH", Required: true},
		{Name: "MSA", Required: true},
	}})

	return s
}
