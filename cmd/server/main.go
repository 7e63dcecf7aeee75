package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	registry := presence.NewRegistry()
	var checks []func(context.Context) error

	var index geo.Geo
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(geo.NewRedisBackend(rc), cfg.RedisGeoKey, registry)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewIndex(registry)
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				ps.Close()
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
		checks = append(checks, ps.Ping)
	} else {
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	var (
		geocoder maps.Geocoder = maps.LiteralGeocoder{}
		primary  eta.Client
	)
	if cfg.GoogleMapsAPIKey != "" {
		g, err := maps.NewGoogle(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		geocoder, primary = g, g
	} else if cfg.OSRMEndpoint != "" {
		primary = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	routes := &eta.Fallback{
		Primary:   primary,
		Secondary: eta.Straight{SpeedMps: cfg.DefaultSpeedMps},
		Cache:     eta.NewCache(cfg.RouteCacheTTL),
	}

	rides := ride.NewService(store, fare.NewCalculator(geocoder, routes))
	hub := dispatch.NewHub(cfg.WSSendBuffer, logger)
	coord := &matcher.Coordinator{
		Rides:           rides,
		Geocoder:        geocoder,
		Geo:             index,
		Presence:        registry,
		Notify:          hub,
		Logger:          logger,
		RadiiKm:         cfg.DispatchRadiiKm,
		WithdrawOffers:  cfg.WithdrawOffers,
		OfferTTL:        cfg.OfferTTL,
		DispatchTimeout: cfg.DispatchTimeout,
	}

	var locations ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = kp
	}

	api := httpapi.NewServer(httpapi.Deps{
		Logger:      logger,
		Coordinator: coord,
		Presence:    registry,
		Geo:         index,
		Hub:         hub,
		Auth:        auth.NewHMAC(cfg.JWTSecret, 0),
		Locations:   locations,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// hijacked websocket connections are not closed by Shutdown
	hub.CloseAll()
	coord.Wait()
	registry.Reset()
	return nil
}
