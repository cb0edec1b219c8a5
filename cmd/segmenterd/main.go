package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ruleless/ustsegmenter/internal/api"
	"github.com/ruleless/ustsegmenter/internal/attestation"
	"github.com/ruleless/ustsegmenter/internal/batcher"
	"github.com/ruleless/ustsegmenter/internal/config"
	"github.com/ruleless/ustsegmenter/internal/logger"
	"github.com/ruleless/ustsegmenter/internal/manifest"
	"github.com/ruleless/ustsegmenter/internal/observability"
	"github.com/ruleless/ustsegmenter/internal/segmenter"
)

func main() {
	cfgPath := os.Getenv("SEGMENTER_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/segmenter.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg := logger.New(cfg.LogLevel)

	reg := prometheus.DefaultRegisterer
	metrics := observability.NewMetrics(reg)
	stats := observability.NewStats(metrics)

	manifestClient := manifest.NewClient(cfg.Manifest.API, logger.With(lg, "module", "manifest"))
	mem := batcher.NewMemoryAdapter()

	eng := segmenter.New(
		manifestClient,
		mem,
		cfg.Manifest.BufferLimit,
		cfg.Manifest.RefreshHealthy.Duration,
		cfg.Manifest.RefreshErrors.Duration,
		stats,
		logger.With(lg, "module", "segmenter"),
	)

	if cfg.Attestation.Enable {
		signer, err := attestation.NewSigner()
		if err != nil {
			lg.Fatal().Err(err).Msg("attestation: failed to generate signer")
		}
		defer signer.Close()
		eng = eng.WithAttestation(signer)
		lg.Info().Str("pubkey", hex.EncodeToString(signer.PublicKey())).Msg("forward attestation enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	mux := api.Router(cfg, lg, func(r *http.Request) (segmenter.State, error) {
		return eng.State(r.Context())
	})
	srv := &http.Server{
		Addr:              cfg.Segmenter.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		lg.Info().Msgf("segmenter %s listening on %s", cfg.Segmenter.ID, cfg.Segmenter.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("http server shutdown")
	}

	cancel()
	<-engineDone
}
