// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package run implements 'hie run'.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/santemesh/hie/cmd/hie/command"
	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/engine"
	"github.com/santemesh/hie/pkg/pidfile"
	"github.com/santemesh/hie/pkg/util/log"
	"github.com/santemesh/hie/pkg/version"
)

type cliParams struct {
	*command.GlobalParams

	pidfilePath string
}

// Commands returns the run commands.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the production until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cliParams)
		},
	}
	runCmd.Flags().StringVarP(&cliParams.pidfilePath, "pidfile", "p", "", "path to the pid file")
	return []*cobra.Command{runCmd}
}

func run(cliParams *cliParams) error {
	cfg, err := config.LoadFile(cliParams.ConfFilePath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if cliParams.LogLevel != "" {
		level = cliParams.LogLevel
	}
	if level == "" {
		level = "info"
	}
	file := cfg.Logging.File
	if cliParams.LogFile != "" {
		file = cliParams.LogFile
	}
	if err := log.SetupLogger(level, file); err != nil {
		return err
	}
	defer log.Flush()

	if cliParams.pidfilePath != "" {
		if err := pidfile.WritePID(cliParams.pidfilePath); err != nil {
			return err
		}
		defer pidfile.Remove(cliParams.pidfilePath)
	}

	e, err := engine.New(context.Background(), cfg, engine.Options{})
	if err != nil {
		return err
	}
	if err := e.Deploy(); err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		e.Stop()
		return err
	}
	log.Infof("hie | version %s, production %q running, pid %d", version.Full(), cfg.Name, os.Getpid())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("hie | received %s, shutting down", sig)
	go func() {
		sig := <-signals
		log.Warnf("hie | received %s during shutdown, exiting immediately", sig)
		log.Flush()
		os.Exit(1)
	}()
	return e.Stop()
}
