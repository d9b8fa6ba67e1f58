// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/santemesh/hie/pkg/util/log"
)

// SettingsBag carries the stringly (target, name) → value settings of one
// item. Values stay in their wire form; typed decoding happens when the
// owning host or adapter calls Decode.
type SettingsBag map[string]map[string]string

// UnmarshalYAML accepts scalar values of any YAML type and normalizes them
// to strings, so `Port: 2575` and `Port: "2575"` configure the same thing.
func (b *SettingsBag) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	out := make(SettingsBag, len(raw))
	for target, settings := range raw {
		target = strings.ToLower(target)
		if target != TargetAdapter && target != TargetHost {
			return fmt.Errorf("unknown settings target %q (want adapter or host)", target)
		}
		m := make(map[string]string, len(settings))
		for name, value := range settings {
			m[name] = settingString(value)
		}
		out[target] = m
	}
	*b = out
	return nil
}

func settingString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// Get looks up one setting.
func (b SettingsBag) Get(target, name string) (string, bool) {
	v, ok := b[target][name]
	return v, ok
}

// GetDefault looks up one setting with a fallback.
func (b SettingsBag) GetDefault(target, name, def string) string {
	if v, ok := b.Get(target, name); ok {
		return v
	}
	return def
}

// Set writes one setting, allocating the nested maps as needed.
func (b SettingsBag) Set(target, name, value string) {
	if b[target] == nil {
		b[target] = make(map[string]string)
	}
	b[target][name] = value
}

// Adapter returns the adapter-target settings map (possibly nil).
func (b SettingsBag) Adapter() map[string]string { return b[TargetAdapter] }

// Host returns the host-target settings map (possibly nil).
func (b SettingsBag) Host() map[string]string { return b[TargetHost] }

// Merge overlays other on top of the bag, returning a new bag. Used by hot
// config reload.
func (b SettingsBag) Merge(other SettingsBag) SettingsBag {
	out := make(SettingsBag, len(b))
	for target, settings := range b {
		m := make(map[string]string, len(settings))
		for k, v := range settings {
			m[k] = v
		}
		out[target] = m
	}
	for target, settings := range other {
		for k, v := range settings {
			out.Set(target, k, v)
		}
	}
	return out
}

// Decode populates a typed settings struct from one target's map. String
// values convert weakly ("2575" → int, "true" → bool) and durations accept
// both "30s" and bare second counts. Unknown keys are logged as warnings;
// conversion failures return an Error naming the offending setting.
func (b SettingsBag) Decode(itemName, target string, out interface{}) error {
	settings := b[target]
	md := mapstructure.Metadata{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		Metadata:         &md,
		DecodeHook:       durationHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return &Error{
			Path:   fmt.Sprintf("items/%s/settings/%s", itemName, target),
			Reason: err.Error(),
		}
	}
	for _, key := range md.Unused {
		log.Warnf("config | %s: unknown %s setting %q ignored", itemName, target, key)
	}
	return nil
}

// durationHook converts "30s"-style strings and bare numbers (seconds) into
// time.Duration fields.
func durationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if v == "" {
			return time.Duration(0), nil
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return nil, fmt.Errorf("invalid duration %q", v)
	case int, int64, float64:
		secs, _ := strconv.ParseFloat(fmt.Sprint(v), 64)
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return data, nil
	}
}
