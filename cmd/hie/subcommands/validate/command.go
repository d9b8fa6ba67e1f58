// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package validate implements 'hie validate'.
package validate

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/santemesh/hie/cmd/hie/command"
	"github.com/santemesh/hie/pkg/config"
)

// Commands returns the validate commands.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the production file and report every finding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(globalParams.ConfFilePath)
		},
	}
	return []*cobra.Command{validateCmd}
}

func validate(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, finding := range merr.Errors {
				color.Red("  ✗ %v", finding)
			}
			return fmt.Errorf("%s: %d problems found", path, len(merr.Errors))
		}
		color.Red("  ✗ %v", err)
		return fmt.Errorf("%s: invalid production file", path)
	}
	color.Green("✓ %s: production %q is valid (%d items, %d routes)", path, cfg.Name, len(cfg.Items), len(cfg.Routes))
	return nil
}
