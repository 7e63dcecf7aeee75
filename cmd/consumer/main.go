package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var cli = struct {
	Brokers       []string      `name:"brokers" env:"KAFKA_BROKERS" default:"localhost:9092" sep:","`
	Topic         string        `name:"topic" env:"KAFKA_TOPIC" default:"driver-locations"`
	Group         string        `name:"group" env:"KAFKA_GROUP" default:"ride-dispatch-consumer"`
	RedisAddr     string        `name:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `name:"redis-password" env:"REDIS_PASSWORD"`
	GeoKey        string        `name:"geo-key" env:"REDIS_GEO_KEY" default:"drivers_geo"`
	MetricsAddr   string        `name:"metrics-addr" env:"METRICS_ADDR" default:":2112"`
	LogLevel      string        `name:"log-level" env:"LOG_LEVEL" default:"info"`
	Attempts      int           `name:"attempts" default:"3" help:"Redis write attempts per message."`
	RetryDelay    time.Duration `name:"retry-delay" default:"200ms"`
}{}

func main() {
	kong.Parse(&cli, kong.Description("Consumes driver location reports into the redis geo index."))
	logger := logging.NewLogger(cli.LogLevel)
	if err := run(logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cli.RedisAddr, Password: cli.RedisPassword})
	// the consumer only writes; liveness filtering happens on the read side
	index := geo.NewRedisGeo(geo.NewRedisBackend(rc), cli.GeoKey, nil)

	go serveMetrics(logger, rc)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cli.Brokers, Topic: cli.Topic, GroupID: cli.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cli.Topic, "brokers", cli.Brokers, "group", cli.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateWithRetry(ctx, index, ev, cli.Attempts, cli.RetryDelay); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", ev.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func serveMetrics(logger *slog.Logger, rc *redis.Client) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", cli.MetricsAddr)
	if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// Upserter is the write side of the geo index.
type Upserter interface {
	Upsert(ctx context.Context, driverID string, c models.Coord) error
}

// updateWithRetry writes one location with doubling backoff between attempts.
func updateWithRetry(ctx context.Context, idx Upserter, ev ingest.LocationEvent, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, ev.DriverID, ev.Location); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
