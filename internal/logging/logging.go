/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/friendsincode/actuator/internal/logbuffer"
)

// Setup configures zerolog for the process.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, os.Stdout)
}

// SetupWithWriter configures zerolog to write to out. Production writes JSON lines;
// other environments get the console writer.
func SetupWithWriter(environment string, out io.Writer) zerolog.Logger {
	return SetupWithBuffer(environment, out, nil)
}

// SetupWithBuffer is SetupWithWriter that also captures every line into buf.
func SetupWithBuffer(environment string, out io.Writer, buf *logbuffer.Buffer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}

	var writer io.Writer = out
	if environment != "production" {
		writer = zerolog.ConsoleWriter{Out: out}
	}
	if buf != nil {
		writer = zerolog.MultiLevelWriter(writer, logbuffer.NewWriter(buf, nil))
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}
