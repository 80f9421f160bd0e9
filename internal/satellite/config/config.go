// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package config holds the engine's enumerated configuration (spec
// §6), bound to CLI flags with spf13/pflag the way the teacher's
// internal/source/server.Config does.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// FKChecks selects whether the local database's own foreign-key
// enforcement runs during apply (spec §6).
type FKChecks int

const (
	// FKChecksInherit leaves the database's default FK enforcement in
	// place.
	FKChecksInherit FKChecks = iota
	// FKChecksDisabled turns FK checks off on the local database
	// connection once, when the session is assembled, and leaves them
	// off for the session's lifetime; on engines without deferred FKs
	// this is the only way an incoming transaction can be applied out
	// of dependency order.
	FKChecksDisabled
)

// Backoff configures the connection controller's retry delay curve
// (spec §6).
type Backoff struct {
	InitialMs int64
	MaxMs     int64
	Factor    float64
	Jitter    float64
}

// DefaultBackoff returns the teacher-style conservative default backoff
// curve: a short initial delay, capped growth, and enough jitter to
// avoid a thundering herd of reconnecting clients.
func DefaultBackoff() Backoff {
	return Backoff{InitialMs: 100, MaxMs: 10_000, Factor: 2.0, Jitter: 0.2}
}

// Config is the user-visible, flag-bindable configuration for a
// Satellite replication session (spec §6).
type Config struct {
	// DBPath is the local embedded database's connection string (a
	// SQLite file path, or a Postgres DSN when running as a
	// server-side client).
	DBPath string
	// ServerAddr is the upstream replication server's address.
	ServerAddr string
	// ClientID, if set, overwrites the persisted clientId meta value on
	// every start. Leave empty to generate or reuse one.
	ClientID string

	PollingInterval   time.Duration
	MinSnapshotWindow time.Duration
	FKChecks          FKChecks
	Compensations     bool
	ConnectionBackoff Backoff

	// ApplyTimeout bounds how long a single incoming transaction's
	// apply may take before it is considered stalled.
	ApplyTimeout time.Duration
}

// DefaultConfig returns the teacher-style baseline: frequent enough
// snapshots to keep offline latency low, without hammering the local
// database.
func DefaultConfig() *Config {
	return &Config{
		PollingInterval:   100 * time.Millisecond,
		MinSnapshotWindow: 40 * time.Millisecond,
		FKChecks:          FKChecksInherit,
		Compensations:     false,
		ConnectionBackoff: DefaultBackoff(),
		ApplyTimeout:      30 * time.Second,
	}
}

// Bind registers the configuration's flags on flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.DBPath, "dbPath", c.DBPath,
		"path to the local embedded database, or a Postgres DSN when running as a server-side client")
	flags.StringVar(&c.ServerAddr, "serverAddr", c.ServerAddr,
		"the network address of the upstream replication server")
	flags.StringVar(&c.ClientID, "clientId", c.ClientID,
		"overwrite the persisted client identity on every start")
	flags.DurationVar(&c.PollingInterval, "pollingInterval", c.PollingInterval,
		"snapshot cadence; validated at preflight, but no component schedules snapshots from it")
	flags.DurationVar(&c.MinSnapshotWindow, "minSnapshotWindow", c.MinSnapshotWindow,
		"throttle window within which concurrent snapshot requests are coalesced")
	flags.BoolVar(&c.Compensations, "compensations", c.Compensations,
		"synthesize a minimal parent row when an incoming upsert violates a foreign key; incoming deletes are not compensated")
	flags.DurationVar(&c.ApplyTimeout, "applyTimeout", c.ApplyTimeout,
		"maximum duration a single incoming transaction's apply may take")
	flags.Int64Var(&c.ConnectionBackoff.InitialMs, "backoffInitialMs", c.ConnectionBackoff.InitialMs,
		"initial reconnect backoff, in milliseconds")
	flags.Int64Var(&c.ConnectionBackoff.MaxMs, "backoffMaxMs", c.ConnectionBackoff.MaxMs,
		"maximum reconnect backoff, in milliseconds")
	flags.Float64Var(&c.ConnectionBackoff.Factor, "backoffFactor", c.ConnectionBackoff.Factor,
		"multiplicative growth factor applied to the reconnect backoff")
	flags.Float64Var(&c.ConnectionBackoff.Jitter, "backoffJitter", c.ConnectionBackoff.Jitter,
		"fraction of the computed backoff to randomize")
}

// Preflight validates the configuration, following the teacher's
// Config.Preflight convention (internal/source/server/config.go).
func (c *Config) Preflight() error {
	if c.DBPath == "" {
		return errors.New("dbPath unset")
	}
	if c.ServerAddr == "" {
		return errors.New("serverAddr unset")
	}
	if c.PollingInterval <= 0 {
		return errors.New("pollingInterval must be positive")
	}
	if c.MinSnapshotWindow < 0 {
		return errors.New("minSnapshotWindow must not be negative")
	}
	if c.ConnectionBackoff.InitialMs <= 0 || c.ConnectionBackoff.MaxMs <= 0 {
		return errors.New("connectionBackoff.initialMs and maxMs must be positive")
	}
	if c.ConnectionBackoff.MaxMs < c.ConnectionBackoff.InitialMs {
		return errors.New("connectionBackoff.maxMs must be >= initialMs")
	}
	if c.ConnectionBackoff.Factor <= 1 {
		return errors.New("connectionBackoff.factor must be greater than 1")
	}
	if c.ConnectionBackoff.Jitter < 0 || c.ConnectionBackoff.Jitter > 1 {
		return errors.New("connectionBackoff.jitter must be within [0,1]")
	}
	return nil
}
