// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads gateway configuration.
//
// All environment access happens here, once, at startup. The rest of the
// codebase receives a Config value and never touches os.Getenv, so every
// tunable is visible in one place and testable without environment games.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the gateway listen port.
	DefaultPort = "12210"

	// DefaultSQLitePath is where conversation history lives unless
	// overridden. Relative to the process working directory.
	DefaultSQLitePath = "verdalis.db"

	// DefaultOllamaBaseURL assumes a local Ollama daemon.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOTLPEndpoint targets a collector sidecar on the compose
	// network.
	DefaultOTLPEndpoint = "verdalis-otel-collector:4317"

	// DefaultRateLimitPerSecond / DefaultRateLimitBurst shape the global
	// completion-endpoint token bucket.
	DefaultRateLimitPerSecond = 10
	DefaultRateLimitBurst     = 20

	// DefaultContextBudget is the retrieval context character budget.
	DefaultContextBudget = 4000

	// DefaultRequestTimeout bounds buffered provider calls.
	DefaultRequestTimeout = 90 * time.Second

	// DefaultStreamIdleTimeout bounds silence between streamed chunks.
	DefaultStreamIdleTimeout = 60 * time.Second
)

// defaultRetrievalEndpoints are the well-known candidate locations tried
// after any explicitly configured endpoints: a local dev instance first,
// then the compose-network service name.
var defaultRetrievalEndpoints = []string{
	"http://localhost:8001/api/v1/rag/retrieve",
	"http://verdalis-rag:8001/api/v1/rag/retrieve",
}

// ProviderConfig holds one backend's connection settings.
type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
}

// Enabled reports whether the provider has enough configuration to be
// wired at all. Ollama only needs a URL; hosted backends need a key.
func (p ProviderConfig) Enabled() bool {
	return p.BaseURL != "" || p.APIKey != ""
}

// Config is the complete gateway configuration, built once in main.
//
// # Description
//
// Values come from the environment, optionally seeded from a .env file
// for local development, with an optional YAML file supplying the ordered
// retrieval endpoint candidates. Zero values fall back to the Default*
// constants at the point of use.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// SQLitePath is the conversation database file.
	SQLitePath string

	// OTLPEndpoint is the OpenTelemetry collector gRPC address.
	OTLPEndpoint string

	Ollama ProviderConfig
	Gemini ProviderConfig
	OpenAI ProviderConfig

	// RequestTimeout bounds buffered provider calls; StreamIdleTimeout
	// bounds per-chunk silence on streams.
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration

	// RetrievalEndpoints is the ordered candidate list for context
	// retrieval. Empty disables retrieval entirely.
	RetrievalEndpoints []string

	// ContextBudget caps retrieved context characters per completion.
	ContextBudget int

	// RateLimitPerSecond / RateLimitBurst shape the global limiter on
	// the completion endpoints.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// retrievalFile is the YAML shape of the retrieval endpoints file.
type retrievalFile struct {
	Endpoints []string `yaml:"endpoints"`
}

// Load builds a Config from the environment.
//
// A .env file in the working directory is loaded first when present;
// real environment variables win over .env entries, which matches
// godotenv's non-overload behavior.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:         envOr("VERDALIS_PORT", DefaultPort),
		SQLitePath:   envOr("VERDALIS_SQLITE_PATH", DefaultSQLitePath),
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		Ollama: ProviderConfig{
			BaseURL:      envOr("OLLAMA_BASE_URL", DefaultOllamaBaseURL),
			DefaultModel: os.Getenv("OLLAMA_DEFAULT_MODEL"),
		},
		Gemini: ProviderConfig{
			BaseURL:      os.Getenv("GEMINI_BASE_URL"),
			APIKey:       os.Getenv("GEMINI_API_KEY"),
			DefaultModel: os.Getenv("GEMINI_DEFAULT_MODEL"),
		},
		OpenAI: ProviderConfig{
			BaseURL:      os.Getenv("OPENAI_BASE_URL"),
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			DefaultModel: os.Getenv("OPENAI_DEFAULT_MODEL"),
		},
		RequestTimeout:     envDuration("VERDALIS_REQUEST_TIMEOUT", DefaultRequestTimeout),
		StreamIdleTimeout:  envDuration("VERDALIS_STREAM_IDLE_TIMEOUT", DefaultStreamIdleTimeout),
		ContextBudget:      envInt("VERDALIS_CONTEXT_BUDGET", DefaultContextBudget),
		RateLimitPerSecond: envFloat("VERDALIS_RATE_LIMIT_RPS", DefaultRateLimitPerSecond),
		RateLimitBurst:     envInt("VERDALIS_RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}

	endpoints, err := loadRetrievalEndpoints()
	if err != nil {
		return nil, err
	}
	cfg.RetrievalEndpoints = endpoints
	return cfg, nil
}

// loadRetrievalEndpoints builds the ordered candidate list: explicitly
// configured endpoints first (the comma-separated env override wins over
// the YAML file), then the well-known defaults. Duplicates are dropped,
// so naming a default explicitly just promotes it.
func loadRetrievalEndpoints() ([]string, error) {
	explicit, err := explicitRetrievalEndpoints()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var endpoints []string
	for _, e := range append(explicit, defaultRetrievalEndpoints...) {
		if !seen[e] {
			seen[e] = true
			endpoints = append(endpoints, e)
		}
	}
	return endpoints, nil
}

func explicitRetrievalEndpoints() ([]string, error) {
	if raw := os.Getenv("VERDALIS_RETRIEVAL_ENDPOINTS"); raw != "" {
		var endpoints []string
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		return endpoints, nil
	}

	path := os.Getenv("VERDALIS_RETRIEVAL_CONFIG")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retrieval config %q: %w", path, err)
	}
	var file retrievalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse retrieval config %q: %w", path, err)
	}
	return file.Endpoints, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
