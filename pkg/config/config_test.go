// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
production:
  name: HospitalHub
  description: ADT feed distribution
  settings:
    shutdown_timeout: 10s
items:
  - name: ADT_In
    class_name: HL7TCPService
    type: service
    pool_size: 1
    settings:
      adapter:
        Port: 2575
        ReadTimeout: 30s
      host:
        MessageSchemaCategory: "2.4"
        TargetConfigNames: Router
  - name: Router
    class_name: HL7Router
    type: process
    pool_size: 2
  - name: EPR_Out
    class_name: HL7TCPOperation
    type: operation
    settings:
      adapter:
        IPAddress: 127.0.0.1
        Port: 2576
      host:
        ReplyCodeActions: ":?E=R,:*=S"
routes:
  - name: adt-to-epr
    source: Router
    priority: 10
    condition: '{MSH-9.1} = "ADT"'
    action: send
    targets: [EPR_Out]
persistence:
  backend: buntdb
  path: ":memory:"
`

func TestLoadSampleProduction(t *testing.T) {
	p, err := Load([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "HospitalHub", p.Name)
	assert.Equal(t, 10*time.Second, p.Settings.ShutdownTimeout)
	require.Len(t, p.Items, 3)

	in, ok := p.Item("ADT_In")
	require.True(t, ok)
	assert.Equal(t, TypeService, in.Type)
	assert.Equal(t, "2575", in.Settings.GetDefault(TargetAdapter, "Port", ""))
	assert.Equal(t, []string{"Router"}, in.Targets())

	require.Len(t, p.Routes, 1)
	assert.Equal(t, []string{"EPR_Out"}, p.Routes[0].Targets)
	assert.Equal(t, "buntdb", p.Persistence.Backend)
}

func TestValidateReportsAllFindings(t *testing.T) {
	p := &Production{
		Name: "Bad",
		Items: []Item{
			{Name: "A", ClassName: "X", Type: TypeService,
				Settings: SettingsBag{TargetHost: {SettingTargetConfigNames: "Missing"}}},
			{Name: "A", ClassName: "Y", Type: TypeService},
			{Name: "B", ClassName: "Z", Type: "widget"},
		},
		Routes: []Route{
			{Name: "r", Source: "Nowhere", Priority: 5000, Action: "explode"},
		},
	}
	err := p.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "duplicate item name")
	assert.Contains(t, msg, `target "Missing" does not exist`)
	assert.Contains(t, msg, `unknown item type "widget"`)
	assert.Contains(t, msg, "out of range")
	assert.Contains(t, msg, `unknown action "explode"`)
	assert.Contains(t, msg, `source "Nowhere" does not exist`)
}

func TestValidateDetectsCycle(t *testing.T) {
	p := &Production{
		Name: "Loop",
		Items: []Item{
			{Name: "P1", ClassName: "X", Type: TypeProcess,
				Settings: SettingsBag{TargetHost: {SettingTargetConfigNames: "P2"}}},
			{Name: "P2", ClassName: "X", Type: TypeProcess,
				Settings: SettingsBag{TargetHost: {SettingTargetConfigNames: "P1"}}},
		},
	}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestSettingsDecodeWeaklyTyped(t *testing.T) {
	bag := SettingsBag{
		TargetAdapter: {
			"Port":        "2575",
			"KeepAlive":   "true",
			"ReadTimeout": "30s",
			"AckTimeout":  "15",
		},
	}
	var s struct {
		Port        int
		KeepAlive   bool
		ReadTimeout time.Duration
		AckTimeout  time.Duration
	}
	require.NoError(t, bag.Decode("Test", TargetAdapter, &s))
	assert.Equal(t, 2575, s.Port)
	assert.True(t, s.KeepAlive)
	assert.Equal(t, 30*time.Second, s.ReadTimeout)
	assert.Equal(t, 15*time.Second, s.AckTimeout)
}

func TestReplyCodeActions(t *testing.T) {
	rca, err := ParseReplyCodeActions(":?E=R,:*=S")
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, rca.ActionFor("AE"))
	assert.Equal(t, ActionRetry, rca.ActionFor("CE"))
	assert.Equal(t, ActionSuccess, rca.ActionFor("AA"))
	assert.Equal(t, ActionSuccess, rca.ActionFor("AR"))

	rca, err = ParseReplyCodeActions(":AA=S,:?R=F")
	require.NoError(t, err)
	assert.Equal(t, ActionFail, rca.ActionFor("CR"))
	// No catch-all: unmatched codes succeed.
	assert.Equal(t, ActionSuccess, rca.ActionFor("AE"))
}

func TestReplyCodeActionsRejectsUnknownAction(t *testing.T) {
	// The undocumented "C" action from legacy configs is refused.
	_, err := ParseReplyCodeActions(":?A=C")
	require.Error(t, err)

	_, err = ParseReplyCodeActions(":AA=C")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown reply code action "C"`)

	_, err = ParseReplyCodeActions("AA=S")
	require.Error(t, err)
}

func TestReplyCodeActionsDefault(t *testing.T) {
	rca, err := ParseReplyCodeActions("")
	require.NoError(t, err)
	assert.Equal(t, ActionSuccess, rca.ActionFor("AA"))
	assert.Equal(t, ActionFail, rca.ActionFor("AE"))
}

func TestSettingsBagMerge(t *testing.T) {
	base := SettingsBag{TargetAdapter: {"Port": "2575", "Host": "0.0.0.0"}}
	merged := base.Merge(SettingsBag{TargetAdapter: {"Port": "2600"}})

	assert.Equal(t, "2600", merged.GetDefault(TargetAdapter, "Port", ""))
	assert.Equal(t, "0.0.0.0", merged.GetDefault(TargetAdapter, "Host", ""))
	// The original bag is untouched.
	assert.Equal(t, "2575", base.GetDefault(TargetAdapter, "Port", ""))
}

func TestLoadRejectsUnknownSettingsTarget(t *testing.T) {
	_, err := Load([]byte(strings.Replace(sampleYAML, "adapter:", "sidecar:", 1)))
	require.Error(t, err)
}
