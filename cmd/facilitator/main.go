// X402 Facilitator - verifies and settles Stellar payments for x402 resource servers
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/FrankiePower/stellar-x402/internal/config"
	"github.com/FrankiePower/stellar-x402/internal/escrow"
	"github.com/FrankiePower/stellar-x402/internal/events"
	"github.com/FrankiePower/stellar-x402/internal/facilitator"
	"github.com/FrankiePower/stellar-x402/internal/idempotency"
	"github.com/FrankiePower/stellar-x402/internal/ledger"
	"github.com/FrankiePower/stellar-x402/internal/logger"
	"github.com/FrankiePower/stellar-x402/pkg/stellar"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFacilitator()
	if err != nil {
		fail("config load", err)
	}

	addr := flag.String("listen", cfg.Addr, "Facilitator listen address")
	horizonURL := flag.String("horizon", cfg.HorizonURL, "Horizon URL override")
	flag.Parse()

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "facilitator").Logger()

	network, err := stellar.LookupNetwork(cfg.Network)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown network")
	}
	network = network.WithHorizonURL(*horizonURL)
	hc := stellar.NewHorizonClient(network)

	st, err := openStores(ctx, cfg, logger.Component(baseLogger, "stores"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}
	defer st.Close()

	svc, err := facilitator.NewService(hc, facilitator.Options{
		Network:       cfg.Network,
		SettleTimeout: cfg.SettleTimeout,
		Ledger:        st.ledger,
		Idempotency:   st.idempotency,
		Publisher:     st.publisher,
		Logger:        logger.Component(baseLogger, "service"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create facilitator")
	}
	esc := escrow.NewLedger(st.escrow, st.publisher, logger.Component(baseLogger, "escrow"))

	srv := &http.Server{
		Addr: *addr,
		Handler: facilitator.NewRouter(svc, esc, facilitator.RouterOptions{
			JWTSecret:   cfg.JWTSecret,
			CORSOrigins: cfg.CORSOrigins,
			Nonces:      st.nonces,
			Logger:      logger.Component(baseLogger, "http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// Settlement waits for ledger inclusion.
		WriteTimeout: cfg.SettleTimeout + 15*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", *addr).
			Str("network", string(cfg.Network)).
			Str("horizon", network.HorizonURL).
			Bool("auth", cfg.JWTSecret != "").
			Msg("facilitator started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SettleTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("facilitator stopped with error")
	}
}

type stores struct {
	ledger      ledger.Repository
	idempotency idempotency.Store
	nonces      idempotency.Nonces
	escrow      escrow.Store
	publisher   events.Publisher
	closers     []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openStores wires the optional backends. Anything not configured falls
// back to process memory.
func openStores(ctx context.Context, cfg *config.Facilitator, log zerolog.Logger) (*stores, error) {
	st := &stores{
		ledger:      ledger.NewMemoryRepository(),
		idempotency: idempotency.NewMemoryStore(cfg.IdempotencyTTL, 2*cfg.SettleTimeout),
		nonces:      idempotency.NewMemoryNonces(),
		escrow:      escrow.NewMemoryStore(),
		publisher:   events.NopPublisher{},
	}

	if cfg.DatabaseURL != "" {
		db, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		repo := ledger.NewPostgresRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		st.ledger = repo
		log.Info().Msg("settlement ledger: postgres")
	}

	if cfg.Redis.Addr != "" {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, rdb.Close)
		st.idempotency = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL, 2*cfg.SettleTimeout)
		st.nonces = idempotency.NewRedisNonces(rdb)
		st.escrow = escrow.NewRedisStore(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("idempotency, nonces and escrow: redis")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.With().Str("component", "kafka").Logger())
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, pub.Close)
		st.publisher = pub
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("events: kafka")
	}

	return st, nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("facilitator init failed")
}
