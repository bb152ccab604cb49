// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config loads the optional tunables file for a Panther master or
// worker: timeouts, retry bounds, and the payload ceiling. Every field has a
// documented default, so the file itself is optional. Durations are
// expressed in seconds in the YAML file to avoid a custom duration-string
// unmarshaler; Config exposes them as time.Duration via accessor methods.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the scheduler and transport tunables: timeouts, retry
// bounds, and the payload ceiling. Zero-value duration fields mean
// "disabled" (PerRunTimeoutSeconds, OverdueGiveupMinutes).
type Config struct {
	WorkerPollIntervalSeconds    float64 `yaml:"worker_poll_interval_seconds"`
	WorkerPollMaxIntervalSeconds float64 `yaml:"worker_poll_max_interval_seconds"`
	PerRunTimeoutSeconds         float64 `yaml:"per_run_timeout_seconds"` // 0 disables the timeout
	PingIntervalSeconds          float64 `yaml:"ping_interval_seconds"`
	PingGraceSeconds             float64 `yaml:"ping_grace_seconds"`
	OverdueGiveupMinutes         float64 `yaml:"overdue_giveup_minutes"` // 0 disables speculative dispatch
	MaxRecvFails                 int     `yaml:"max_recv_fails"`
	MaxSendFails                 int     `yaml:"max_send_fails"`
	PayloadCeilingBytes          int64   `yaml:"payload_ceiling_bytes"`
	SpeculativeDispatch          bool    `yaml:"speculative_dispatch"`
}

// Default returns the conservative defaults every field falls back to.
func Default() Config {
	return Config{
		WorkerPollIntervalSeconds:    1,
		WorkerPollMaxIntervalSeconds: 30,
		PerRunTimeoutSeconds:         0,
		PingIntervalSeconds:          10,
		PingGraceSeconds:             5,
		OverdueGiveupMinutes:         0,
		MaxRecvFails:                 3,
		MaxSendFails:                 3,
		PayloadCeilingBytes:          64 << 20,
		SpeculativeDispatch:          false,
	}
}

// Load reads a YAML tunables file at path, applying Default() for any field
// the file omits. A missing file is not an error: Default() is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WorkerPollInterval is the worker's initial reconnect backoff interval.
func (c Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalSeconds * float64(time.Second))
}

// WorkerPollMaxInterval bounds the worker's exponential reconnect backoff.
func (c Config) WorkerPollMaxInterval() time.Duration {
	return time.Duration(c.WorkerPollMaxIntervalSeconds * float64(time.Second))
}

// PerRunTimeout is the deadline a dispatched run must finish within; zero
// means no deadline.
func (c Config) PerRunTimeout() time.Duration {
	return time.Duration(c.PerRunTimeoutSeconds * float64(time.Second))
}

// PingInterval is how often the master pings each busy worker.
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds * float64(time.Second))
}

// PingGrace is how long the master waits for a ping response before
// declaring a worker lost.
func (c Config) PingGrace() time.Duration {
	return time.Duration(c.PingGraceSeconds * float64(time.Second))
}

// OverdueGiveup is how long a run may stay dispatched before the master may
// speculatively dispatch a duplicate (when SpeculativeDispatch is set); zero
// disables it.
func (c Config) OverdueGiveup() time.Duration {
	return time.Duration(c.OverdueGiveupMinutes * float64(time.Minute))
}
