package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"synthd/config"
	nativecommon "synthd/native/common"
	"synthd/native/oracle"
	"synthd/native/stable"
	"synthd/native/token"
	"synthd/observability/logging"
	"synthd/rpc"
	"synthd/storage"
)

func main() {
	configFile := flag.String("config", "./synthd.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("synthd", cfg.Logging.Environment, logging.FileConfig{
		Path:       cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	var db storage.Database
	if cfg.DataDir == "" {
		logger.Warn("no DataDir configured, positions will not survive restarts")
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("Failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		defer leveldb.Close()
		db = leveldb
	}

	adapter := oracle.NewAdapter(time.Duration(cfg.Oracle.MaxQuoteAgeSeconds) * time.Second)
	debt := token.NewLedger("USDS", 18)

	assets := make([]common.Address, 0, len(cfg.Assets))
	feeds := make([]string, 0, len(cfg.Assets))
	tokens := make(map[common.Address]stable.CollateralToken, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		feed, err := buildFeed(asset)
		if err != nil {
			logger.Error("Failed to configure price feed", slog.String("asset", asset.Symbol), slog.Any("error", err))
			os.Exit(1)
		}
		adapter.Register(asset.Feed, feed)

		addr := asset.AssetAddress()
		assets = append(assets, addr)
		feeds = append(feeds, asset.Feed)
		tokens[addr] = token.NewLedger(asset.Symbol, 18)
		logger.Info("registered collateral asset",
			slog.String("symbol", asset.Symbol),
			slog.String("address", addr.Hex()),
			slog.String("feed", asset.Feed),
		)
	}

	engine, err := stable.NewEngine(
		stable.NewLedger(db),
		adapter,
		debt,
		cfg.Custody(),
		assets,
		feeds,
		tokens,
		stable.RiskParameters{
			LiquidationThresholdBps: cfg.Engine.LiquidationThresholdBps,
			LiquidationBonusBps:     cfg.Engine.LiquidationBonusBps,
		},
	)
	if err != nil {
		logger.Error("Failed to construct engine", slog.Any("error", err))
		os.Exit(1)
	}
	engine.SetPauses(nativecommon.NewPauses())

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           rpc.NewServer(engine, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("synthd listening", slog.String("address", cfg.ListenAddress))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down cleanly", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// buildFeed constructs the configured price source for one asset. Manual
// prices take precedence over remote endpoints.
func buildFeed(asset config.Asset) (oracle.Feed, error) {
	if asset.ManualPrice != "" {
		feed := oracle.NewManualFeed()
		if err := feed.SetDecimal(asset.ManualPrice, asset.FeedDecimals, time.Now()); err != nil {
			return nil, err
		}
		return feed, nil
	}
	if asset.FeedURL != "" {
		return oracle.NewHTTPFeed(nil, asset.FeedURL, asset.Feed, asset.FeedDecimals, os.Getenv("SYNTHD_FEED_API_KEY")), nil
	}
	return nil, fmt.Errorf("asset %s has no price source", asset.Symbol)
}
