// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package routing implements the content-based routing engine: a small
// condition expression language over the HL7 parsed view, compiled once at
// load time into closure trees, and the prioritized rule evaluation that
// selects delivery targets.
package routing

import (
	"github.com/alecthomas/participle"
	"github.com/alecthomas/participle/lexer"
)

// condLexer tokenizes the condition language. There are no identifiers:
// every bareword must be one of the keywords, field references are always
// brace-wrapped, strings always quoted.
var condLexer = lexer.Must(lexer.Regexp(
	`(\s+)` +
		`|(?P<Keyword>AND|OR|NOT|IN|Contains|StartsWith|EndsWith)` +
		`|(?P<Field>\{[A-Z][A-Z0-9]{2}(?:\(\d+\))?-\d+(?:\.\d+(?:\.\d+)?)?\})` +
		`|(?P<String>"[^"]*")` +
		`|(?P<Int>-?\d+)` +
		`|(?P<Operator>!=|=)` +
		`|(?P<Punct>[(),])`,
))

var condParser = participle.MustBuild(&astCondition{},
	participle.Lexer(condLexer),
	participle.Unquote("String"),
)

type astCondition struct {
	Expr *astOr `parser:"@@"`
}

type astOr struct {
	Left  *astAnd   `parser:"@@"`
	Right []*astAnd `parser:"( \"OR\" @@ )*"`
}

type astAnd struct {
	Left  *astNot   `parser:"@@"`
	Right []*astNot `parser:"( \"AND\" @@ )*"`
}

type astNot struct {
	Not     bool        `parser:"@\"NOT\"?"`
	Primary *astPrimary `parser:"@@"`
}

type astPrimary struct {
	Paren      *astOr         `parser:"\"(\" @@ \")\""`
	Comparison *astComparison `parser:"| @@"`
}

type astComparison struct {
	Left *astOperand `parser:"@@"`
	Rest *astRest    `parser:"[ @@ ]"`
}

type astRest struct {
	Op    string        `parser:"( @( \"=\" | \"!=\" | \"Contains\" | \"StartsWith\" | \"EndsWith\" )"`
	Right *astOperand   `parser:"@@ )"`
	In    []*astOperand `parser:"| ( \"IN\" \"(\" @@ ( \",\" @@ )* \")\" )"`
}

type astOperand struct {
	Field  *string `parser:"@Field"`
	String *string `parser:"| @String"`
	Int    *int64  `parser:"| @Int"`
}
