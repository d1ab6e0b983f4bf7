/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// LogFormatText and LogFormatJSON are the supported logging output formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// InitLogger configures the process-wide default slog logger. Format is one
// of "text" or "json", severity is a slog level name ("DEBUG", "INFO",
// "WARN", "ERROR", case-insensitive).
func InitLogger(format, severity string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(severity))); err != nil {
		return nil, trace.BadParameter("unsupported log severity %q", severity)
	}
	logger, err := newLogger(os.Stderr, format, level)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	slog.SetDefault(logger)
	return logger, nil
}

// InitLoggerForTests initializes the standard logger for tests.
func InitLoggerForTests() {
	level := slog.LevelInfo
	if os.Getenv("TELEMETER_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger, err := newLogger(os.Stderr, LogFormatText, level)
	if err != nil {
		panic(err)
	}
	slog.SetDefault(logger)
}

func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case LogFormatText, "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, trace.BadParameter("unsupported log output format %q", format)
}
