// Command git-fastcdc is the clean/smudge filter driver: invoked by the
// host VCS once per working-tree file the first time it is needed and
// then kept alive across every subsequent file in that operation,
// speaking pkt-line filter protocol v2 on its standard streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/git-fastcdc/git-fastcdc/internal/chunkstore"
	"github.com/git-fastcdc/git-fastcdc/internal/config"
	"github.com/git-fastcdc/git-fastcdc/internal/filter"
	"github.com/git-fastcdc/git-fastcdc/internal/gitgateway"
	"github.com/git-fastcdc/git-fastcdc/internal/metrics"
	"github.com/git-fastcdc/git-fastcdc/internal/ratelimit"
	"github.com/git-fastcdc/git-fastcdc/internal/sessionlog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := sessionlog.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-fastcdc: failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal, aborting session", zap.String("signal", sig.String()))
		// Cancel first so any in-flight git subprocess is killed
		// immediately. Backing temp files are already unlinked at
		// creation (internal/blobbuffer), so the OS reclaims them the
		// moment the process exits; there is nothing else to release.
		cancel()
		os.Exit(1)
	}()

	gw := gitgateway.New("", logger)
	defer func() { _ = gw.Close() }()

	cfg, err := config.Load(ctx, gw)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return 1
	}

	tempDir, err := gw.TempDir(ctx)
	if err != nil {
		logger.Error("failed to resolve git temp directory", zap.Error(err))
		return 1
	}

	mcol := metrics.New()
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, mcol)
		if _, err := metricsSrv.Start(); err != nil {
			logger.Error("failed to start metrics server", zap.Error(err))
			return 1
		}
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	store := chunkstore.New(gw, ratelimit.DefaultPersistLimiter(), logger, mcol)
	session := sessionlog.NewSession(logger, uuid.NewString())

	driver := filter.New(os.Stdin, os.Stdout, cfg.Chunker, cfg.OnDisk, tempDir, store, session, mcol)

	if err := driver.Serve(ctx); err != nil {
		logger.Error("session ended with error", zap.Error(err))
		return 1
	}
	return 0
}
