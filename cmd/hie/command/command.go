// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command holds the top-level cobra command of the hie binary and
// the factory type its subcommands implement.
package command

import (
	"github.com/spf13/cobra"
)

// GlobalParams are the flags shared by every subcommand.
type GlobalParams struct {
	// ConfFilePath is the production YAML file.
	ConfFilePath string
	// LogLevel overrides the configured log level when non-empty.
	LogLevel string
	// LogFile overrides the configured log file when non-empty.
	LogFile string
}

// SubcommandFactory builds the commands of one subcommand package.
type SubcommandFactory func(globalParams *GlobalParams) []*cobra.Command

// MakeCommand assembles the root command from the subcommand factories.
func MakeCommand(factories []SubcommandFactory) *cobra.Command {
	globalParams := &GlobalParams{}

	rootCmd := &cobra.Command{
		Use:          "hie",
		Short:        "Healthcare integration engine",
		Long:         "hie runs HL7 v2 integration productions: inbound services, routing processes and outbound operations.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&globalParams.ConfFilePath, "config", "c", "production.yaml", "path to the production file")
	rootCmd.PersistentFlags().StringVarP(&globalParams.LogLevel, "log-level", "l", "", "override the configured log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&globalParams.LogFile, "log-file", "", "write logs to this file instead of stderr")

	for _, factory := range factories {
		for _, cmd := range factory(globalParams) {
			rootCmd.AddCommand(cmd)
		}
	}
	return rootCmd
}
