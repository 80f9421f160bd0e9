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

// Command satellite runs a standalone replication client: it opens
// the local embedded database named by --dbPath, connects to the
// upstream server named by --serverAddr over Postgres LISTEN/NOTIFY,
// and keeps the two in sync until terminated.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/replichain/satellite/internal/satellite/conn"
	"github.com/replichain/satellite/internal/satellite/config"
	"github.com/replichain/satellite/internal/satellite/di"
	"github.com/replichain/satellite/internal/satellite/stopper"
	"github.com/replichain/satellite/internal/satellite/transport/pgnotify"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("satellite: fatal")
	}
}

func run() error {
	cfg := config.DefaultConfig()
	cfg.Bind(pflag.CommandLine)
	token := pflag.String("token", os.Getenv("SATELLITE_TOKEN"), "bearer credential presented to the upstream server")
	sub := pflag.String("sub", os.Getenv("SATELLITE_SUB"), "stable subject claim identifying this client")
	notifyChannel := pflag.String("notifyChannel", "satellite_changes", "Postgres NOTIFY channel the upstream server publishes on")
	verbose := pflag.Bool("verbose", false, "enable debug logging")
	pflag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := cfg.Preflight(); err != nil {
		return err
	}

	parent, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	rootCtx := stopper.WithContext(parent)

	pool, err := pgxpool.New(parent, cfg.ServerAddr)
	if err != nil {
		return err
	}
	defer pool.Close()

	transport := pgnotify.New(pool, *notifyChannel)
	if err := pool.AcquireFunc(parent, func(c *pgxpool.Conn) error {
		_, err := c.Exec(parent, transport.Schema())
		return err
	}); err != nil {
		return err
	}

	auth := conn.AuthState{Token: *token, Sub: *sub}
	session, cleanup, err := di.New(rootCtx, cfg, transport, auth)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := session.Conn.Start(rootCtx, auth); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"dbPath":     cfg.DBPath,
		"serverAddr": cfg.ServerAddr,
	}).Info("satellite: started")

	<-parent.Done()
	logrus.Info("satellite: shutdown signal received, draining")
	if err := rootCtx.Stop(30 * time.Second); err != nil {
		return err
	}
	return nil
}
