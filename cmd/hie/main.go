// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Main package of the hie binary.
package main

import (
	"os"

	"github.com/santemesh/hie/cmd/hie/command"
	"github.com/santemesh/hie/cmd/hie/subcommands/convert"
	"github.com/santemesh/hie/cmd/hie/subcommands/run"
	"github.com/santemesh/hie/cmd/hie/subcommands/validate"
	"github.com/santemesh/hie/cmd/hie/subcommands/version"
)

func main() {
	factories := []command.SubcommandFactory{
		run.Commands,
		validate.Commands,
		convert.Commands,
		version.Commands,
	}
	if err := command.MakeCommand(factories).Execute(); err != nil {
		os.Exit(1)
	}
}
