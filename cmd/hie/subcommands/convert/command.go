// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package convert implements 'hie convert': legacy IRIS production XML or
// .cls class exports in, native YAML out.
package convert

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/santemesh/hie/cmd/hie/command"
	"github.com/santemesh/hie/pkg/config"
)

type cliParams struct {
	*command.GlobalParams

	outputPath   string
	allowUnknown bool
}

// Commands returns the convert commands.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	convertCmd := &cobra.Command{
		Use:   "convert <production.xml|production.cls>",
		Short: "Convert a legacy IRIS production export to the native YAML form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return convert(cliParams, args[0])
		},
	}
	convertCmd.Flags().StringVarP(&cliParams.outputPath, "output", "o", "", "write the YAML here instead of stdout")
	convertCmd.Flags().BoolVar(&cliParams.allowUnknown, "allow-unknown", false, "keep items with unmapped IRIS classes as disabled stubs")
	return []*cobra.Command{convertCmd}
}

func convert(cliParams *cliParams, inputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	p, err := config.LoadIRIS(data, config.IRISLoadOptions{AllowUnknown: cliParams.allowUnknown})
	if err != nil {
		return err
	}

	out, err := p.Dump()
	if err != nil {
		return err
	}
	if cliParams.outputPath == "" {
		fmt.Print(string(out))
	} else {
		if err := os.WriteFile(cliParams.outputPath, out, 0o644); err != nil {
			return err
		}
		color.Green("✓ wrote %s (%d items, %d routes)", cliParams.outputPath, len(p.Items), len(p.Routes))
	}

	// Converted files usually need hand-finishing; report what still
	// fails validation without treating it as a conversion error.
	if err := p.Validate(); err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			color.Yellow("the converted production does not validate yet:")
			for _, finding := range merr.Errors {
				color.Yellow("  ! %v", finding)
			}
		}
	}
	return nil
}
