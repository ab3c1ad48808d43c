// SPDX-License-Identifier: Apache-2.0

// Package config loads dispatcher configuration from defaults, an
// optional YAML file and SWITCHBOARD_ environment overrides, in that
// order.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log         LogConfig         `koanf:"log"`
	Server      ServerConfig      `koanf:"server"`
	Router      RouterConfig      `koanf:"router"`
	Matcher     MatcherConfig     `koanf:"matcher"`
	Session     SessionConfig     `koanf:"session"`
	HealthCheck HealthCheckConfig `koanf:"healthcheck"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Agents      AgentsConfig      `koanf:"agents"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type RouterConfig struct {
	AttemptTimeout      string  `koanf:"attempt_timeout"`
	LastResort          bool    `koanf:"last_resort"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
}

type MatcherConfig struct {
	Strategy string `koanf:"strategy"` // tag, classifier, vector, tool

	ClassifierModel   string `koanf:"classifier_model"`
	ClassifierBaseURL string `koanf:"classifier_base_url"`

	QdrantAddr       string `koanf:"qdrant_addr"`
	QdrantCollection string `koanf:"qdrant_collection"`
	VectorSize       int    `koanf:"vector_size"`
	EmbedderBaseURL  string `koanf:"embedder_base_url"`
	EmbedderModel    string `koanf:"embedder_model"`

	ToolName    string   `koanf:"tool_name"`
	ToolCommand string   `koanf:"tool_command"`
	ToolArgs    []string `koanf:"tool_args"`
}

type SessionConfig struct {
	Backend    string `koanf:"backend"` // memory, sqlite
	SQLitePath string `koanf:"sqlite_path"`
	IdleTTL    string `koanf:"idle_ttl"`
	SweepEvery string `koanf:"sweep_every"`
}

type HealthCheckConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Interval string `koanf:"interval"`
	Timeout  string `koanf:"timeout"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type AgentsConfig struct {
	ManifestPath string `koanf:"manifest_path"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("server.addr", ":8080")

	k.Set("router.attempt_timeout", "30s")
	k.Set("router.last_resort", false)
	k.Set("router.confidence_threshold", 0.0)

	k.Set("matcher.strategy", "tag")
	k.Set("matcher.classifier_base_url", "http://localhost:11434")
	k.Set("matcher.classifier_model", "qwen2.5:7b-instruct")
	k.Set("matcher.qdrant_addr", "localhost:6334")
	k.Set("matcher.qdrant_collection", "switchboard_agents")
	k.Set("matcher.vector_size", 768)
	k.Set("matcher.embedder_base_url", "http://localhost:11434")
	k.Set("matcher.embedder_model", "nomic-embed-text")

	k.Set("session.backend", "memory")
	k.Set("session.sqlite_path", "switchboard.db")
	k.Set("session.idle_ttl", "30m")
	k.Set("session.sweep_every", "5m")

	k.Set("healthcheck.enabled", false)
	k.Set("healthcheck.interval", "30s")
	k.Set("healthcheck.timeout", "5s")

	k.Set("telemetry.exporter", "stdout")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (SWITCHBOARD_ROUTER_LAST_RESORT -> router.last_resort)
	if err := k.Load(env.Provider("SWITCHBOARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SWITCHBOARD_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
