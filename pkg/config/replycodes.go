// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"fmt"
	"strings"
)

// ReplyAction is what an operation does with a message after interpreting
// the MSA-1 code of the acknowledgement it received.
type ReplyAction byte

// Reply actions.
const (
	ActionSuccess ReplyAction = 'S'
	ActionFail    ReplyAction = 'F'
	ActionRetry   ReplyAction = 'R'
	ActionWarning ReplyAction = 'W'
)

// ReplyCodeRule is one `:PATTERN=ACTION` clause.
type ReplyCodeRule struct {
	Pattern string
	Action  ReplyAction
}

// ReplyCodeActions is an ordered rule list; the first matching pattern wins.
type ReplyCodeActions []ReplyCodeRule

// DefaultReplyCodeActions accepts the HL7 accept codes and fails the rest.
const DefaultReplyCodeActions = ":AA=S,:CA=S,:*=F"

var validPatterns = map[string]struct{}{
	"AA": {}, "AE": {}, "AR": {}, "CA": {}, "CE": {}, "CR": {},
	"?E": {}, "?R": {}, "*": {},
}

// ParseReplyCodeActions parses a comma-separated `:PATTERN=ACTION` list.
// Unknown patterns and actions (including the undocumented `C`) are
// configuration errors.
func ParseReplyCodeActions(spec string) (ReplyCodeActions, error) {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultReplyCodeActions
	}
	var rules ReplyCodeActions
	for _, clause := range strings.Split(spec, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if !strings.HasPrefix(clause, ":") {
			return nil, fmt.Errorf("reply code clause %q must start with ':'", clause)
		}
		body := clause[1:]
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			return nil, fmt.Errorf("reply code clause %q missing '='", clause)
		}
		pattern, action := body[:eq], body[eq+1:]
		if _, ok := validPatterns[pattern]; !ok {
			return nil, fmt.Errorf("unknown reply code pattern %q", pattern)
		}
		if len(action) != 1 || !strings.ContainsAny(action, "SFRW") {
			return nil, fmt.Errorf("unknown reply code action %q", action)
		}
		rules = append(rules, ReplyCodeRule{Pattern: pattern, Action: ReplyAction(action[0])})
	}
	return rules, nil
}

// ActionFor returns the action for an MSA-1 code. Evaluation is first match
// wins; without a `*` clause unmatched codes succeed.
func (a ReplyCodeActions) ActionFor(code string) ReplyAction {
	for _, r := range a {
		if r.matches(code) {
			return r.Action
		}
	}
	return ActionSuccess
}

func (r ReplyCodeRule) matches(code string) bool {
	switch r.Pattern {
	case "*":
		return true
	case "?E":
		return code == "AE" || code == "CE"
	case "?R":
		return code == "AR" || code == "CR"
	default:
		return code == r.Pattern
	}
}
