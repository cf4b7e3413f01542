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

package runconfig

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestResolveFillsDefaults(t *testing.T) {
	cfg, err := Resolve(Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.BatchSize != 512 {
		t.Errorf("BatchSize = %d, want 512", cfg.BatchSize)
	}
	if cfg.BatchInterval != 250*time.Millisecond {
		t.Errorf("BatchInterval = %v, want 250ms", cfg.BatchInterval)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
}

func TestResolveReadsEndpointFromEnv(t *testing.T) {
	os.Setenv(DefaultOTLPEndpointEnv, "http://collector:4318")
	defer os.Unsetenv(DefaultOTLPEndpointEnv)

	cfg, err := Resolve(Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.OTLPEndpoint != "http://collector:4318" {
		t.Errorf("OTLPEndpoint = %q", cfg.OTLPEndpoint)
	}
}

func TestResolveFlagOverridesEnv(t *testing.T) {
	os.Setenv(DefaultOTLPEndpointEnv, "http://from-env:4318")
	defer os.Unsetenv(DefaultOTLPEndpointEnv)

	cfg, err := Resolve(Config{OTLPEndpoint: "http://from-flag:4318"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.OTLPEndpoint != "http://from-flag:4318" {
		t.Errorf("OTLPEndpoint = %q, want flag value to win", cfg.OTLPEndpoint)
	}
}

func TestResolveRejectsBadLogFormat(t *testing.T) {
	if _, err := Resolve(Config{LogFormat: "xml"}); err == nil {
		t.Fatal("expected an error for an unsupported log format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	cfg := Config{LogFormat: "json", Debug: true}
	ctx := WithConfig(context.Background(), cfg)
	got := FromContext(ctx)
	if got.LogFormat != cfg.LogFormat || got.Debug != cfg.Debug {
		t.Errorf("FromContext = %+v, want %+v", got, cfg)
	}
}

func TestFromContextZeroValue(t *testing.T) {
	got := FromContext(context.Background())
	if got.LogFormat != "" || got.Debug {
		t.Errorf("FromContext on bare context = %+v, want zero value", got)
	}
}
