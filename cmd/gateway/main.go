// X402 Payment Gateway - A reverse proxy that protects any backend with HTTP 402
// and settles payments on Stellar through a facilitator
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/FrankiePower/stellar-x402/internal/config"
	"github.com/FrankiePower/stellar-x402/internal/logger"
	"github.com/FrankiePower/stellar-x402/pkg/facilitator"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

const metricsPath = "/_x402/metrics"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadGateway()
	if err != nil {
		fail("config load", err)
	}

	// Flags default to the environment
	listenAddr := flag.String("listen", cfg.Addr, "Gateway listen address")
	backendURL := flag.String("backend", cfg.BackendURL, "Backend URL to proxy to (e.g., http://localhost:3000)")
	facilitatorURL := flag.String("facilitator", cfg.FacilitatorURL, "Facilitator base URL")
	price := flag.String("price", cfg.Price, "Price per request in asset units")
	flag.Parse()

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "gateway").Logger()

	target, err := url.Parse(*backendURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backend URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Header.Set("X-Origin-Host", target.Host)
		if payer, ok := x402.PayerFromContext(req.Context()); ok {
			req.Header.Set("X-Payment-Payer", payer)
		}
	}

	opts := []facilitator.Option{facilitator.WithLogger(logger.Component(baseLogger, "facilitator-client"))}
	if cfg.FacilitatorSecret != "" {
		opts = append(opts, facilitator.WithAuth(facilitator.NewJWTAuth(cfg.FacilitatorKeyID, cfg.FacilitatorSecret)))
	}
	fc := facilitator.NewClient(*facilitatorURL, opts...)

	metering := x402.NewInMemoryMeteringStore(10000)
	mwLog := logger.Component(baseLogger, "x402")

	handler := x402.Middleware(proxy, x402.Config{
		RequirementsConfig: x402.RequirementsConfig{
			PayTo:       cfg.PayTo,
			Asset:       cfg.Asset,
			Price:       *price,
			Networks:    cfg.Networks,
			Description: cfg.Description,
		},
		ExemptPaths: cfg.ExemptPaths,
		Facilitator: fc,
		Metering:    metering,
		Logger:      &mwLog,
	})

	mux := http.NewServeMux()
	mux.Handle(metricsPath, x402.MetricsHandler(metering))
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", *listenAddr).
			Str("backend", *backendURL).
			Str("facilitator", *facilitatorURL).
			Str("price", *price).
			Str("asset", cfg.Asset).
			Strs("exempt", cfg.ExemptPaths).
			Msg("gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gateway stopped with error")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("gateway init failed")
}
