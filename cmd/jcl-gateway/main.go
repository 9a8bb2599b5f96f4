// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command jcl-gateway runs a gateway component that lets federated users
// register legacy accounts and receive what those accounts fetch as
// stanzas, over a websocket link to a stanza relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/thfree/jcl/pkg/connector"
	"github.com/thfree/jcl/pkg/relay"
	"github.com/thfree/jcl/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var version = flag.MakeFull("v", "version", "View gateway version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles("jcl-gateway - A federated gateway to legacy accounts.", "jcl-gateway [-hvne] [-c <path>]")
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("jcl-gateway %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err = connector.WriteExampleConfig(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfig(*configPath, !*noSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(11)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Initializing jcl-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = run(ctx, cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped with an error")
	}
	log.Info().Msg("Gateway stopped")
}

func run(ctx context.Context, cfg *connector.Config, log zerolog.Logger) error {
	rawDB, err := dbutil.NewFromConfig("jcl-gateway", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db := store.New(rawDB)
	defer func() {
		_ = db.Close()
	}()
	if err = db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}

	settings, err := connector.LoadSettings(cfg.SettingsPath, log)
	if err != nil {
		return err
	}
	gw, err := connector.NewGateway(cfg, db, settings, log)
	if err != nil {
		return err
	}
	queue := connector.NewQueueFeeder()
	for _, kind := range cfg.Kinds {
		if err = gw.RegisterFeeder(kind.Kind, queue, nil); err != nil {
			return err
		}
	}

	stream := relay.New(cfg.Relay.URL, cfg.Component.Secret, gw.JID, log)
	sup := connector.NewSupervisor(stream, gw, log)
	sup.TimeUnit = cfg.Runtime.TimeUnit
	sup.RestartDelay = cfg.RestartDelay()
	sup.Restart = cfg.Runtime.Restart
	sup.Tick = gw.Tick
	sup.OnRunning = gw.Freeze
	gw.OnShutdown = sup.Stop
	gw.OnRestart = sup.Reconnect

	// The supervisor ending, e.g. through the shutdown command, stops the
	// other services too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return sup.Serve(groupCtx)
	})
	if cfg.AdminAPI.Address != "" {
		api := connector.NewAdminAPI(gw, sup, queue)
		group.Go(func() error {
			return connector.ServeAdminAPI(groupCtx, cfg.AdminAPI.Address, api.Handler(), log)
		})
	}
	group.Go(func() error {
		return settings.Watch(groupCtx)
	})
	if err = group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
