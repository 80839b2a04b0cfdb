package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/config"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/logging"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total admin events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or unprojectable events received",
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

const openEmergenciesKey = "emergencies:open"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rideshare-consumer:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return err
	}
	flagSet := pflag.NewFlagSet("rideshare-consumer", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel, "rideshare-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer_started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, radapter, cfg.EntryTTL, logger)
	logger.Info("consumer_stopped")
	return nil
}

// MessageReader is the subset of *kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume projects every admin event into redis until ctx is done. Kafka read
// errors back off exponentially up to 30s.
func consume(ctx context.Context, r MessageReader, rc RedisUpdater, ttl time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		p, err := projectEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid_event", "offset", m.Offset, "error", err)
			continue
		}
		if p.key == "" {
			continue
		}

		if err := updateRedisWithRetry(ctx, rc, p, ttl, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis_update_failed", "key", p.key, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// projection is the redis write for one admin event: a hash of the entity's
// latest state and, for emergencies, membership in the open set.
type projection struct {
	key    string
	fields map[string]interface{}
	member string
	open   bool
}

type envelope struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// projectEvent maps an event to its projection. Event types the dashboard
// does not track yield an empty projection.
func projectEvent(value []byte) (projection, error) {
	var ev envelope
	if err := json.Unmarshal(value, &ev); err != nil {
		return projection{}, err
	}
	switch ev.Type {
	case models.EventEmergencySOS:
		var a models.SOSAlert
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			return projection{}, err
		}
		if a.ID == "" {
			return projection{}, errors.New("sos alert without id")
		}
		return projection{
			key: "emergency:" + a.ID,
			fields: map[string]interface{}{
				"userName":      a.UserName,
				"userPhone":     a.UserPhone,
				"userEmail":     a.UserEmail,
				"college":       a.College,
				"lat":           a.Location.Lat,
				"lng":           a.Location.Lng,
				"message":       a.Message,
				"emergencyType": string(a.EmergencyType),
				"status":        string(a.Status),
				"timestamp":     a.Timestamp.Format(time.RFC3339Nano),
			},
			member: a.ID,
			open:   true,
		}, nil

	case models.EventEmergencyStatusUpdated:
		var c models.EmergencyStatusChange
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return projection{}, err
		}
		if c.ID == "" {
			return projection{}, errors.New("status change without id")
		}
		fields := map[string]interface{}{"status": string(c.Status)}
		if c.ResolvedAt != nil {
			fields["resolvedAt"] = c.ResolvedAt.Format(time.RFC3339Nano)
		}
		open := c.Status == models.EmergencyActive || c.Status == models.EmergencyAcknowledged
		return projection{key: "emergency:" + c.ID, fields: fields, member: c.ID, open: open}, nil

	case models.EventNewMatchCreated:
		var s models.MatchSummary
		if err := json.Unmarshal(ev.Payload, &s); err != nil {
			return projection{}, err
		}
		if s.MatchID == "" {
			return projection{}, errors.New("match summary without id")
		}
		return projection{
			key: "match:" + s.MatchID,
			fields: map[string]interface{}{
				"totalFare":   s.TotalFare,
				"splitAmount": s.SplitAmount,
				"origin":      s.Origin,
				"destination": s.Destination,
				"timestamp":   s.Timestamp.Format(time.RFC3339Nano),
			},
		}, nil
	}
	return projection{}, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func (r *redisAdapter) SAdd(ctx context.Context, key, member string) error {
	return r.c.SAdd(ctx, key, member).Err()
}

func (r *redisAdapter) SRem(ctx context.Context, key, member string) error {
	return r.c.SRem(ctx, key, member).Err()
}

// updateRedisWithRetry applies p with retry/backoff. Every step is idempotent
// so a retry restarts from the first one.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, p projection, ttl time.Duration, attempts int, delay time.Duration) error {
	apply := func() error {
		if err := rc.HSet(ctx, p.key, p.fields); err != nil {
			return err
		}
		if ttl > 0 {
			if err := rc.Expire(ctx, p.key, ttl); err != nil {
				return err
			}
		}
		if p.member == "" {
			return nil
		}
		if p.open {
			return rc.SAdd(ctx, openEmergenciesKey, p.member)
		}
		return rc.SRem(ctx, openEmergenciesKey, p.member)
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
