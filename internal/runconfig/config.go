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

// Package runconfig resolves the immutable configuration each
// subcommand runs with: flags layered over the one environment
// variable this project reads. There is no config file format (spec
// §10 explicitly does not carry BurntSushi/toml forward — there is
// nothing here shaped like the teacher's OCI runtime config to parse).
package runconfig

import (
	"context"
	"os"
	"time"

	"github.com/systrument/systrument/pkg/traceerr"
)

// contextKey is unexported so only this package can mint values
// threaded through a context.Context, following the same pattern the
// teacher threads its own OCI config pointer through context.
type contextKey struct{}

// Config is resolved once at process startup and threaded read-only
// from then on.
type Config struct {
	LogFormat     string // "text" or "json"
	Debug         bool
	OTLPEndpoint  string
	BatchSize     int
	BatchInterval time.Duration
	RelativeToNow bool
	IncludeLogs   bool
	SyscallLogs   bool // --logs: one OTLP log record per syscall interval
	TopExecs      int
	CaptureFile   string
	Categories    []string // empty means the category package's DefaultFilter
}

// DefaultOTLPEndpointEnv is the environment variable this project
// reads when no endpoint flag (-endpoint, -live-otlp) is given on the
// command line.
const DefaultOTLPEndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Resolve fills in any field left at its zero value from the
// environment, and validates the result.
func Resolve(c Config) (Config, error) {
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = os.Getenv(DefaultOTLPEndpointEnv)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 250 * time.Millisecond
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return c, &traceerr.ConfigError{Reason: "log-format must be \"text\" or \"json\""}
	}
	return c, nil
}

// WithConfig returns a context carrying cfg, retrievable with FromContext.
func WithConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext returns the Config stored by WithConfig, or the zero
// Config if none was set.
func FromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(contextKey{}).(Config)
	return cfg
}
