// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/message"
)

var adtA01 = []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||ADT^A01|MSG001|P|2.4\r" +
	"EVN|A01|20240101120000\r" +
	"PID|1||12345^^^HOSP^MR||DOE^JOHN\r" +
	"PV1|1|I|WARD1\r")

func adtMessage(t *testing.T) *message.Message {
	t.Helper()
	return message.New(adtA01, message.ContentTypeHL7, "ADT_In")
}

func TestConditions(t *testing.T) {
	m := adtMessage(t)

	cases := []struct {
		cond string
		want bool
	}{
		{`{MSH-9.1} = "ADT"`, true},
		{`{MSH-9.1} = "ORU"`, false},
		{`{MSH-9.1} != "ORU"`, true},
		{`{MSH-9} Contains "A01"`, true},
		{`{PID-5.1} StartsWith "DO"`, true},
		{`{PID-5.1} EndsWith "OE"`, true},
		{`{PID-5.1} EndsWith "oe"`, false},
		{`{MSH-9.2} IN ("A01", "A08")`, true},
		{`{MSH-9.2} IN ("A02", "A03")`, false},
		{`{MSH-9.1} = "ADT" AND {PV1-2} = "I"`, true},
		{`{MSH-9.1} = "ORU" OR {PV1-2} = "I"`, true},
		{`NOT {MSH-9.1} = "ORU"`, true},
		{`({MSH-9.1} = "ORU" OR {MSH-9.1} = "ADT") AND {PID-1} = 1`, true},
		{`{PID-1} = 1`, true},
		{`{PID-1} = 2`, false},
		{`{PID-1} != 01`, false}, // numeric compare: 1 == 01
		{`{ZZZ-1} = ""`, true},   // missing field resolves to empty
		{`{ZZZ-1}`, false},       // bare missing field is falsy
		{`{PID-5.1}`, true},      // bare present field is truthy
		{``, true},               // empty condition always matches
	}
	for _, tc := range cases {
		cond, err := CompileCondition(tc.cond)
		require.NoError(t, err, "condition %q", tc.cond)
		assert.Equal(t, tc.want, cond(m), "condition %q", tc.cond)
	}
}

func TestConditionSyntaxErrors(t *testing.T) {
	for _, cond := range []string{
		`{MSH-9.1 = "ADT"`,
		`MSH-9.1 = "ADT"`,
		`{MSH-9.1} == "ADT"`,
		`{MSH-9.1} = `,
		`{MSH-9.1} IN ()`,
		`bogus`,
	} {
		_, err := CompileCondition(cond)
		assert.Error(t, err, "condition %q", cond)
	}
}

func newRuleSet(t *testing.T, routes []config.Route, defaults ...string) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet(routes, defaults)
	require.NoError(t, err)
	return rs
}

func TestFirstMatchWinsByPriority(t *testing.T) {
	rs := newRuleSet(t, []config.Route{
		{Name: "catch-all", Priority: 0, Action: "send", Targets: []string{"Archive"}},
		{Name: "adt", Priority: 1, Condition: `{MSH-9.1} = "ADT"`, Action: "send", Targets: []string{"EPR_Out", "RIS_Out"}},
	})

	res, err := rs.Evaluate(adtMessage(t))
	require.NoError(t, err)
	require.Len(t, res.Targets, 2)
	assert.Equal(t, "EPR_Out", res.Targets[0].Name)
	assert.Equal(t, "RIS_Out", res.Targets[1].Name)
	assert.False(t, res.Deleted)
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	off := false
	rs := newRuleSet(t, []config.Route{
		{Name: "adt", Priority: 1, Enabled: &off, Condition: `{MSH-9.1} = "ADT"`, Action: "send", Targets: []string{"EPR_Out"}},
		{Name: "catch-all", Priority: 0, Action: "send", Targets: []string{"Archive"}},
	})

	res, err := rs.Evaluate(adtMessage(t))
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "Archive", res.Targets[0].Name)
}

func TestDeleteAndStop(t *testing.T) {
	rs := newRuleSet(t, []config.Route{
		{Name: "drop-oru", Priority: 2, Condition: `{MSH-9.1} = "ORU"`, Action: "delete"},
		{Name: "hold-adt", Priority: 1, Condition: `{MSH-9.1} = "ADT"`, Action: "stop"},
		{Name: "catch-all", Priority: 0, Action: "send", Targets: []string{"Archive"}},
	})

	res, err := rs.Evaluate(adtMessage(t))
	require.NoError(t, err)
	assert.Empty(t, res.Targets)
	assert.False(t, res.Deleted)

	oru := message.New([]byte("MSH|^~\\&|LAB|HOSP|EPR|HOSP|20240101||ORU^R01|MSG002|P|2.4\r"), message.ContentTypeHL7, "LAB_In")
	res, err = rs.Evaluate(oru)
	require.NoError(t, err)
	assert.True(t, res.Deleted)
}

func TestDefaultTargetsWhenNoMatch(t *testing.T) {
	rs := newRuleSet(t, []config.Route{
		{Name: "oru", Priority: 1, Condition: `{MSH-9.1} = "ORU"`, Action: "send", Targets: []string{"LAB_Out"}},
	}, "Fallback")

	res, err := rs.Evaluate(adtMessage(t))
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "Fallback", res.Targets[0].Name)
}

func TestTransformRuleRewritesAndContinues(t *testing.T) {
	defer ResetTransforms()
	RegisterTransform("anonymize", func(m *message.Message) (*message.Message, error) {
		parsed, err := m.Parsed()
		if err != nil {
			return nil, err
		}
		edited, err := parsed.SetField("PID-5.1", "ANON")
		if err != nil {
			return nil, err
		}
		return m.WithRaw(edited.Raw()), nil
	})

	rs := newRuleSet(t, []config.Route{
		{Name: "anon", Priority: 2, Condition: `{MSH-9.1} = "ADT"`, Action: "transform", Transform: "anonymize"},
		{Name: "send", Priority: 1, Condition: `{PID-5.1} = "ANON"`, Action: "send", Targets: []string{"EPR_Out"}},
	})

	orig := adtMessage(t)
	res, err := rs.Evaluate(orig)
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "ANON", res.Message.GetField("PID-5.1", ""))
	// The input message is untouched.
	assert.Equal(t, "DOE", orig.GetField("PID-5.1", ""))
}

func TestUnknownTransformFailsEvaluation(t *testing.T) {
	rs := newRuleSet(t, []config.Route{
		{Name: "anon", Priority: 1, Action: "transform", Transform: "missing"},
	})
	_, err := rs.Evaluate(adtMessage(t))
	require.Error(t, err)
}

func TestFilterModes(t *testing.T) {
	m := adtMessage(t)
	adt := `{MSH-9.1} = "ADT"`
	oru := `{MSH-9.1} = "ORU"`

	// mode=all accepts iff both accept.
	for _, tc := range []struct {
		filters []string
		mode    string
		want    bool
	}{
		{[]string{adt, adt}, "all", true},
		{[]string{adt, oru}, "all", false},
		{[]string{adt, oru}, "any", true},
		{[]string{oru, oru}, "any", false},
	} {
		rs := newRuleSet(t, []config.Route{
			{Name: "r", Priority: 1, Filters: tc.filters, FilterMode: tc.mode, Action: "send", Targets: []string{"Out"}},
		})
		res, err := rs.Evaluate(m)
		require.NoError(t, err)
		assert.Equal(t, tc.want, len(res.Targets) == 1, "filters %v mode %s", tc.filters, tc.mode)
	}
}

func TestInvalidConditionIsConfigError(t *testing.T) {
	_, err := NewRuleSet([]config.Route{
		{Name: "bad", Condition: `{MSH-9.1} = `, Action: "send", Targets: []string{"X"}},
	}, nil)
	require.Error(t, err)
	var cfgErr *config.Error
	assert.ErrorAs(t, err, &cfgErr)
}
