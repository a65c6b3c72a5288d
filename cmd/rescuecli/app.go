package main

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/dmtrko/chain-rescue/internal/bundle"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/config"
	"github.com/dmtrko/chain-rescue/internal/discovery"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/executor"
	"github.com/dmtrko/chain-rescue/internal/explorer"
	"github.com/dmtrko/chain-rescue/internal/fees"
	"github.com/dmtrko/chain-rescue/internal/indexer"
	"github.com/dmtrko/chain-rescue/internal/session"
)

// app carries the wired rescue stack. No database, no HTTP server.
type app struct {
	settings *config.Settings
	log      zerolog.Logger
	reg      *chain.Registry
	sessions *session.Manager
	bundles  *bundle.Rescuer
}

func newApp(settings *config.Settings, log zerolog.Logger) (*app, error) {
	reg := chain.NewRegistry(settings.RPCOverrideMap())
	client := ethrpc.Dialer(reg)

	var idx indexer.Client
	if settings.IndexerBaseURL != "" {
		idx = indexer.NewHTTPClient(settings.IndexerBaseURL, settings.IndexerAPIKey, reg)
	}
	var exp explorer.Client
	if settings.ExplorerAPIKey != "" {
		exp = explorer.NewHTTPClient(settings.ExplorerAPIKey, reg)
	}

	engine := discovery.NewEngine(
		reg,
		client,
		discovery.NewW3Batcher(reg),
		idx,
		exp,
		discovery.NewGuard(),
		discovery.NewScamFilter(),
		log,
	)
	strategy := fees.NewStrategy(reg, client, log)
	exec := executor.New(reg, client, strategy, engine.ResolveTokenIDs, log)

	return &app{
		settings: settings,
		log:      log,
		reg:      reg,
		sessions: session.NewManager(reg, client, engine, exec, nil, log),
		bundles:  bundle.NewRescuer(reg, client, log),
	}, nil
}

// readSecret reads a key with terminal echo off.
func readSecret(prompt string) string {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		die("failed to read key: " + err.Error())
	}
	return strings.TrimSpace(string(b))
}
