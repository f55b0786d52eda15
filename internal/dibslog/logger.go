// Copyright 2025 The dibsfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dibslog wires up structured logging: slog records routed through
// lumberjack for rotation when a log file is configured, with an additional
// stderr stream in foreground mode.
package dibslog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// FilePath is the rotated log file destination. Empty disables file
	// logging.
	FilePath string

	// Foreground also streams logs to stderr.
	Foreground bool

	// SessionLabel is attached to every record as a "session" attribute.
	SessionLabel string
}

// New builds the process-wide logger per Options.
func New(opts Options) *slog.Logger {
	var writers []io.Writer

	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	if opts.Foreground || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{})
	logger := slog.New(handler)
	if opts.SessionLabel != "" {
		logger = logger.With(slog.String("session", opts.SessionLabel))
	}
	return logger
}
