// Package main provides the record API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vitalcare/go-vha/internal/api/handlers"
	"github.com/vitalcare/go-vha/internal/api/middleware"
	"github.com/vitalcare/go-vha/internal/audit"
	"github.com/vitalcare/go-vha/internal/infrastructure/kafka"
	pgoutbox "github.com/vitalcare/go-vha/internal/infrastructure/postgres"
	"github.com/vitalcare/go-vha/internal/observability/metrics"
	"github.com/vitalcare/go-vha/internal/observability/tracing"
	"github.com/vitalcare/go-vha/internal/record"
	"github.com/vitalcare/go-vha/internal/storage"
	"github.com/vitalcare/go-vha/pkg/circuitbreaker"
)

// Config holds application configuration
type Config struct {
	Port         string
	DatabaseURL  string
	SQLitePath   string
	Backend      string
	KafkaBrokers []string
	AuditSink    string
	OTLPEndpoint string
	APIKeys      map[string]string
}

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	ctx := context.Background()

	// Tracing is optional; without an endpoint spans go nowhere
	if cfg.OTLPEndpoint != "" {
		tcfg := tracing.DefaultConfig("record-api")
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
		shutdownTracing, err := tracing.Init(ctx, tcfg)
		if err != nil {
			logger.Fatal("tracing init failed", zap.Error(err))
		}
		defer shutdownTracing(context.Background())
	}

	// Pick the durable backend
	backend, pool, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}
	defer backend.Close()
	if pool != nil {
		defer pool.Close()
	}

	m := metrics.New()

	// Audit trail sink
	publisher, cleanup, err := buildPublisher(ctx, cfg, pool, m, logger)
	if err != nil {
		logger.Fatal("audit publisher init failed", zap.Error(err))
	}
	defer cleanup()

	store := record.NewStore(backend, logger, record.WithPublisher(publisher))
	recordHandler := handlers.NewRecordHandler(store, m, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("record-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := backend.Count(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrincipalAuth(cfg.APIKeys))
		r.Mount("/records", recordHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting record API", zap.String("port", cfg.Port), zap.String("backend", cfg.Backend))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openBackend selects the durable backend: postgres when DATABASE_URL is
// set, otherwise sqlite, with an in-memory escape hatch for local runs.
func openBackend(ctx context.Context, cfg Config, logger *zap.Logger) (record.Backend, *pgxpool.Pool, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		backend := storage.NewPostgres(pool, logger)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to database")
		return backend, pool, nil

	case "memory":
		logger.Warn("using in-memory backend, records will not survive restarts")
		return storage.NewMemory(), nil, nil

	default:
		backend, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite database", zap.String("path", cfg.SQLitePath))
		return backend, nil, nil
	}
}

// buildPublisher wires the audit sink: the postgres outbox when configured
// (drained by the audit-relay), a direct Kafka publisher behind a circuit
// breaker when brokers are set, otherwise a no-op.
func buildPublisher(ctx context.Context, cfg Config, pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) (audit.Publisher, func(), error) {
	nop := func() {}

	if cfg.AuditSink == "outbox" && pool != nil {
		if err := pgoutbox.EnsureOutboxSchema(ctx, pool); err != nil {
			return nil, nop, err
		}
		writer := pgoutbox.NewOutboxWriter(pool, logger)
		stopGauge := watchOutboxDepth(writer, m, logger)
		logger.Info("audit events go through the outbox")
		return &meteredPublisher{inner: writer, metrics: m}, stopGauge, nil
	}

	if len(cfg.KafkaBrokers) > 0 {
		producerCfg := kafka.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producer, err := kafka.NewProducer(producerCfg, logger)
		if err != nil {
			return nil, nop, err
		}

		breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("audit-kafka"), logger)
		if err != nil {
			producer.Close()
			return nil, nop, err
		}

		logger.Info("audit events go to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
		publisher := audit.NewKafkaPublisher(producer, breaker, kafka.TopicRecordAudit, logger)
		return &meteredPublisher{inner: publisher, metrics: m}, func() { producer.Close() }, nil
	}

	logger.Info("audit trail disabled")
	return audit.NopPublisher{}, nop, nil
}

// meteredPublisher counts publish failures; the store only logs them.
type meteredPublisher struct {
	inner   audit.Publisher
	metrics *metrics.Metrics
}

func (p *meteredPublisher) Publish(ctx context.Context, ev audit.Event) error {
	if err := p.inner.Publish(ctx, ev); err != nil {
		p.metrics.AuditPublishErrors.Inc()
		return err
	}
	return nil
}

// watchOutboxDepth samples the outbox backlog into the pending gauge until
// the returned stop func is called.
func watchOutboxDepth(writer *pgoutbox.OutboxWriter, m *metrics.Metrics, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := writer.Pending(ctx)
				if err != nil {
					logger.Debug("outbox depth check failed", zap.Error(err))
					continue
				}
				m.OutboxPending.Set(float64(n))
			}
		}
	}()
	return cancel
}

func loadConfig() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	sqlitePath := os.Getenv("RECORD_DB_PATH")
	if sqlitePath == "" {
		sqlitePath = "vha.db"
	}

	backend := os.Getenv("STORAGE_BACKEND")
	if backend == "" {
		if dbURL != "" {
			backend = "postgres"
		} else {
			backend = "sqlite"
		}
	}

	var brokers []string
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = []string{b}
	}

	// Simple API keys for demo; each key maps to the principal identity
	// that owns the records it creates
	apiKeys := map[string]string{
		"demo-api-key-12345": "demo-clinic",
		"test-api-key-67890": "test-clinic",
	}
	if key := os.Getenv("API_KEY"); key != "" {
		apiKeys[key] = "env-principal"
	}

	return Config{
		Port:         port,
		DatabaseURL:  dbURL,
		SQLitePath:   sqlitePath,
		Backend:      backend,
		KafkaBrokers: brokers,
		AuditSink:    os.Getenv("AUDIT_SINK"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		APIKeys:      apiKeys,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"record-api","version":"1.0.0"}`)
}
