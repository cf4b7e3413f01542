// Copyright 2024 The Systrument Authors.
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

// Package tracelog is the thin structured-logging facade every other
// package calls into for operational/progress messages. It never
// carries the typed parse/reconstruction diagnostics spec §7
// requires to be returned as errors -- those go back through
// pkg/traceerr instead.
package tracelog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts verbosity; debug enables the Debugf messages, which
// are otherwise suppressed.
func SetLevel(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// SetFormat switches between the human "text" default and "json",
// mirroring the global -log-format flag read by cli.Main.
func SetFormat(format string) {
	switch format {
	case "json":
		std.SetFormatter(&logrus.JSONFormatter{})
	default:
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects logging, used by tests to capture output.
func SetOutput(w io.Writer) { std.SetOutput(w) }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }

// WithField returns a logrus.Entry pre-populated with one field, for
// call sites that want to attach a pid/batch-id/etc. to every
// subsequent line without repeating it in the format string.
func WithField(key string, value any) *logrus.Entry {
	return std.WithField(key, value)
}
