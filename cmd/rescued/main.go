package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/dmtrko/chain-rescue/internal/bundle"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/config"
	"github.com/dmtrko/chain-rescue/internal/discovery"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/executor"
	"github.com/dmtrko/chain-rescue/internal/explorer"
	"github.com/dmtrko/chain-rescue/internal/fees"
	"github.com/dmtrko/chain-rescue/internal/indexer"
	"github.com/dmtrko/chain-rescue/internal/logging"
	"github.com/dmtrko/chain-rescue/internal/session"
	"github.com/dmtrko/chain-rescue/internal/solrescue"
	"github.com/dmtrko/chain-rescue/internal/storage"
	"github.com/dmtrko/chain-rescue/internal/web"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading environment variables: %v", err)
	}

	zlog, logger := logging.Logger(settings.LogFilePath, settings.LogLevel)

	// sentry init needs to happen before the echo middlewares are added
	if settings.SentryDSN != "" {
		if err = sentry.Init(sentry.ClientOptions{
			Dsn:          settings.SentryDSN,
			IgnoreErrors: []string{"400", "404"},
		}); err != nil {
			logger.Errorf("sentry init error: %v", err)
		}
	}

	startupCtx := context.Background()

	// Results storage is optional; sessions run fine without it.
	var store *storage.Store
	if settings.DatabaseURI != "" {
		dbConn, err := storage.Open(settings.DatabaseURI, settings.DatabaseMaxConns)
		if err != nil {
			logger.Fatalf("Error initializing db connection: %v", err)
		}
		defer dbConn.Close()
		store = storage.NewStore(dbConn)
		if err := store.Init(startupCtx); err != nil {
			logger.Fatalf("Error creating db schema: %v", err)
		}
	}

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
		zlog,
	)
	authKey, err := settings.FlashbotsAuthKey()
	if err != nil {
		logger.Fatalf("Error loading flashbots auth key: %v", err)
	}
	bundles := bundle.NewRescuer(reg, client, zlog)

	strategy := fees.NewStrategy(reg, client, zlog)
	exec := executor.New(reg, client, strategy, engine.ResolveTokenIDs, zlog).
		WithBundler(bundles, settings.FlashbotsRelayURL, authKey)
	sessions := session.NewManager(reg, client, engine, exec, store, zlog)

	// A failed solana dial only disables the solana endpoint.
	var solRescuer *solrescue.Rescuer
	if len(settings.SolanaEndpoints) > 0 {
		solClient, err := solrescue.Dial(startupCtx, settings.SolanaEndpoints)
		if err != nil {
			logger.Warnf("No healthy solana endpoint: %v", err)
		} else {
			solRescuer = solrescue.NewRescuer(solClient, zlog)
		}
	}

	e := web.InitEcho(settings, logger)
	logMw := web.CreateLoggingMiddleware(logger)
	strictRateLimit := web.CreateRateLimitMiddleware(settings.DefaultRateLimit, settings.BurstRateLimit)

	ctrl := &web.RescueController{
		Sessions: sessions,
		Bundles:  bundles,
		Solana:   solRescuer,
		Reg:      reg,
		Store:    store,
		RelayURL: settings.FlashbotsRelayURL,
		AuthKey:  authKey,
		Log:      zlog,
	}
	ctrl.RegisterRoutes(e, strictRateLimit, logMw)

	var backgroundWg sync.WaitGroup
	backgroundCtx, _ := signal.NotifyContext(context.Background(), os.Interrupt)

	backgroundWg.Add(1)
	go func() {
		sessions.StartJanitor(backgroundCtx)
		backgroundWg.Done()
	}()

	if store != nil {
		backgroundWg.Add(1)
		go func() {
			purgeResults(backgroundCtx, store, logger)
			backgroundWg.Done()
		}()
	}

	var echoPrometheus *echo.Echo
	if settings.EnablePrometheus {
		echoPrometheus = web.StartPrometheusEcho(logger, settings.PrometheusPort, e)
	}

	go func() {
		if err := e.Start(fmt.Sprintf(":%v", settings.Port)); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()

	<-backgroundCtx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}
	if echoPrometheus != nil {
		if err := echoPrometheus.Shutdown(ctx); err != nil {
			e.Logger.Fatal(err)
		}
	}
	backgroundWg.Wait()
	logger.Info("rescued exiting gracefully. Goodbye.")
}

const (
	purgeEvery     = 12 * time.Hour
	keepResultsFor = 30 * 24 * time.Hour
)

func purgeResults(ctx context.Context, store *storage.Store, logger interface{ Infof(string, ...interface{}) }) {
	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx, keepResultsFor)
			if err == nil && n > 0 {
				logger.Infof("purged %d old transfer results", n)
			}
		}
	}
}
