// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clbanning/mxj"
	"github.com/pkg/errors"

	"github.com/santemesh/hie/pkg/util/log"
)

// IRISClassMap maps legacy IRIS/Ensemble class names to core host classes.
// Callers may extend it before loading.
type IRISClassMap map[string]string

// DefaultIRISClassMap covers the HL7 production classes the loader supports.
func DefaultIRISClassMap() IRISClassMap {
	return IRISClassMap{
		"EnsLib.HL7.Service.TCPService":     "HL7TCPService",
		"EnsLib.HL7.Service.FileService":    "HL7FileService",
		"EnsLib.HL7.Service.HTTPService":    "HL7HTTPService",
		"EnsLib.HL7.MsgRouter.RoutingEngine": "HL7Router",
		"EnsLib.MsgRouter.RoutingEngine":     "HL7Router",
		"EnsLib.HL7.Operation.TCPOperation":  "HL7TCPOperation",
		"EnsLib.HL7.Operation.FileOperation": "HL7FileOperation",
	}
}

var coreClassTypes = map[string]ItemType{
	"HL7TCPService":    TypeService,
	"HL7FileService":   TypeService,
	"HL7HTTPService":   TypeService,
	"HL7Router":        TypeProcess,
	"HL7TCPOperation":  TypeOperation,
	"HL7FileOperation": TypeOperation,
}

// IRISLoadOptions tune the legacy loader.
type IRISLoadOptions struct {
	ClassMap IRISClassMap
	// AllowUnknown keeps items whose IRIS class has no mapping, as disabled
	// stubs with an "unknown." class prefix, instead of failing validation.
	AllowUnknown bool
}

// LoadIRIS parses a legacy IRIS production, either raw <Production> XML or a
// .cls class export wrapping the XML in an XData ProductionDefinition block.
// The result is not validated; callers run Validate (the convert subcommand
// wants to emit partially valid files for hand-finishing).
func LoadIRIS(data []byte, opts IRISLoadOptions) (*Production, error) {
	if opts.ClassMap == nil {
		opts.ClassMap = DefaultIRISClassMap()
	}

	xml := data
	if !strings.Contains(string(data), "<Production") {
		return nil, errors.New("irisxml: no <Production> element found")
	}
	if !strings.HasPrefix(strings.TrimSpace(string(data)), "<") {
		island, err := extractXData(string(data))
		if err != nil {
			return nil, err
		}
		xml = []byte(island)
	}

	mxj.PrependAttrWithHyphen(false)
	m, err := mxj.NewMapXml(xml)
	if err != nil {
		return nil, errors.Wrap(err, "irisxml: parse XML")
	}

	p := &Production{}
	if v, err := m.ValueForPath("Production.Name"); err == nil {
		p.Name = fmt.Sprint(v)
	}
	if p.Name == "" {
		// Ensemble productions usually carry the name on the class, not the
		// XML; fall back to a stable default.
		p.Name = "ImportedProduction"
	}
	if v, err := m.ValueForPath("Production.Description"); err == nil {
		p.Description = fmt.Sprint(v)
	}

	items, err := m.ValuesForPath("Production.Item")
	if err != nil || len(items) == 0 {
		return p, nil
	}
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		it, err := convertIRISItem(item, opts)
		if err != nil {
			return nil, err
		}
		p.Items = append(p.Items, it)
	}
	return p, nil
}

func convertIRISItem(item map[string]interface{}, opts IRISLoadOptions) (Item, error) {
	it := Item{
		Name:     attrString(item, "Name"),
		Category: attrString(item, "Category"),
		Comment:  attrString(item, "Comment"),
		Settings: make(SettingsBag),
	}
	if pool, err := strconv.Atoi(attrString(item, "PoolSize")); err == nil {
		it.PoolSize = pool
	}
	enabled := !strings.EqualFold(attrString(item, "Enabled"), "false")
	it.Enabled = &enabled

	irisClass := attrString(item, "ClassName")
	coreClass, ok := opts.ClassMap[irisClass]
	if !ok {
		coreClass = "unknown." + irisClass
		log.Warnf("irisxml | item %s: no mapping for IRIS class %s", it.Name, irisClass)
		if !opts.AllowUnknown {
			return Item{}, errorf("items/"+it.Name, "unmapped IRIS class %q", irisClass)
		}
	}
	it.ClassName = coreClass
	if t, known := coreClassTypes[coreClass]; known {
		it.Type = t
	}

	for _, raw := range settingElements(item) {
		s, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		target := strings.ToLower(attrString(s, "Target"))
		if target != TargetAdapter && target != TargetHost {
			continue
		}
		it.Settings.Set(target, attrString(s, "Name"), attrString(s, "#text"))
	}
	return it, nil
}

func settingElements(item map[string]interface{}) []interface{} {
	switch v := item["Setting"].(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		return []interface{}{v}
	default:
		return nil
	}
}

func attrString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// extractXData locates the XData ProductionDefinition block of a .cls export
// and returns the XML island inside its braces.
func extractXData(cls string) (string, error) {
	idx := strings.Index(cls, "XData ProductionDefinition")
	if idx < 0 {
		return "", errors.New("irisxml: no XData ProductionDefinition block")
	}
	open := strings.IndexByte(cls[idx:], '{')
	if open < 0 {
		return "", errors.New("irisxml: XData block has no body")
	}
	depth := 0
	start := idx + open
	for i := start; i < len(cls); i++ {
		switch cls[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(cls[start+1 : i]), nil
			}
		}
	}
	return "", errors.New("irisxml: unbalanced braces in XData block")
}
