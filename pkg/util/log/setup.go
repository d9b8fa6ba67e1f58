// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupLogger builds a seelog logger writing to the console and, when
// logFile is not empty, to a size-rolled file, then installs it as the
// package logger. Lines logged before setup are flushed through it.
func SetupLogger(logLevel, logFile string) error {
	config := `<seelog minlevel="` + strings.ToLower(logLevel) + `">
    <outputs formatid="common">
        <console />`
	if logFile != "" {
		config += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, logFileMaxSize)
	}
	config += `</outputs>
    <formats>
        <format id="common" format="%Date(` + logDateFormat + `) | %LEVEL | (%RelFile:%Line) | %Msg%n"/>
    </formats>
</seelog>`

	inner, err := seelog.LoggerFromConfigAsString(config)
	if err != nil {
		return err
	}
	SetupLoggerInterface(inner, logLevel)
	return nil
}
