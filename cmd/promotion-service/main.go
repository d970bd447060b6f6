package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/promo-platform/promotion-engine/internal/api"
	"github.com/promo-platform/promotion-engine/internal/broker"
	"github.com/promo-platform/promotion-engine/internal/cache"
	"github.com/promo-platform/promotion-engine/internal/config"
	"github.com/promo-platform/promotion-engine/internal/events"
	"github.com/promo-platform/promotion-engine/internal/gateway"
	"github.com/promo-platform/promotion-engine/internal/repository"
	"github.com/promo-platform/promotion-engine/internal/service"
	"github.com/promo-platform/promotion-engine/pkg/db"
	pkgredis "github.com/promo-platform/promotion-engine/pkg/redis"
)

const resolveCacheTTL = 30 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "promotion-engine").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	conn, err := db.NewPostgresConnection(cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repository.EnsureSchema(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("schema")
	}

	// Redis is optional; with no address the cache and sweep lock degrade
	// to pass-through behavior.
	var rdb *rd.Client
	if cfg.RedisAddr != "" {
		rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
	}
	resolveCache := cache.NewResolveCache(rdb, resolveCacheTTL)

	var publisher *events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewPublisher(cfg.KafkaBrokers, cfg.RedemptionTopic)
		defer publisher.Close()
	}

	promotionRepo := repository.NewPromotionRepo(conn)
	reservationRepo := repository.NewReservationRepo(conn)
	redemptionRepo := repository.NewRedemptionRepo(conn)
	artifactRepo := repository.NewArtifactRepo(conn)

	registry := gateway.NewRegistry(gateway.NewSandbox("sandbox"))
	artifactBroker := broker.New(reservationRepo, artifactRepo, registry, cfg.GatewayRetries, cfg.GatewayBackoff)
	artifactBroker.Start(ctx, cfg.CleanupWorkers)
	defer artifactBroker.Stop()

	catalog := service.NewCatalogService(promotionRepo, resolveCache)
	resolver := service.NewResolver(promotionRepo, resolveCache)
	reservations := service.NewReservationManager(resolver, reservationRepo, artifactBroker, cfg.ReservationTTL)

	var eventSink service.EventPublisher
	if publisher != nil {
		eventSink = publisher
	}
	committer := service.NewCommitter(reservationRepo, redemptionRepo, promotionRepo, eventSink, artifactBroker)

	var sweepLock service.SweepLock
	if rdb != nil {
		sweepLock = pkgredis.NewSweepLock(rdb, uuid.New().String(), cfg.ReaperInterval)
	}
	reaper := service.NewReaper(reservationRepo, artifactBroker, artifactBroker, sweepLock, cfg.ReaperInterval, cfg.ArtifactGrace, cfg.SweepBatchSize)
	go reaper.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(catalog, reservations, committer, artifactBroker),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		close(idleConnsClosed)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("promotion engine listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}

	<-idleConnsClosed
	log.Info().Msg("server stopped")
}
