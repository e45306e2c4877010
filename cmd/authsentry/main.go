package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/authsentry/authsentry/internal/api"
	"github.com/authsentry/authsentry/internal/bus"
	"github.com/authsentry/authsentry/internal/detect"
	"github.com/authsentry/authsentry/internal/ingest"
	"github.com/authsentry/authsentry/internal/mapping"
	"github.com/authsentry/authsentry/internal/metrics"
	"github.com/authsentry/authsentry/internal/normalize"
	"github.com/authsentry/authsentry/internal/registry"
	"github.com/authsentry/authsentry/internal/risk"
	"github.com/authsentry/authsentry/internal/runstore"
)

func main() {
	validateOnly := flag.Bool("validate-mappings", false, "validate the mapping config and exit")
	flag.Parse()

	// Local .env files are a development convenience; absence is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	httpAddr := getEnv("AUTHSENTRY_HTTP_ADDR", ":8080")
	dataDir := getEnv("AUTHSENTRY_DATA_DIR", "runs")
	mappingPath := getEnv("MAPPING_CONFIG_PATH", filepath.Join("config", "field_mappings.yaml"))
	hotReload := getEnv("AUTHSENTRY_MAPPING_HOT_RELOAD", "false") == "true"
	natsURL := getEnv("AUTHSENTRY_NATS_URL", "")

	detectCfg := detect.Config{
		WindowSeconds:      getEnvInt("WINDOW_SECONDS", detect.DefaultWindowSeconds),
		BruteForceFailures: getEnvInt("BRUTE_FORCE_FAILURE_THRESHOLD", detect.DefaultBruteForceFailures),
		SprayDistinctUsers: getEnvInt("CRED_ABUSE_DISTINCT_USER_THRESHOLD", detect.DefaultSprayDistinctUsers),
		SprayFailures:      getEnvInt("CRED_ABUSE_FAILURE_THRESHOLD", detect.DefaultSprayFailures),
	}

	mappings := mapping.NewLoader(mappingPath, logger)
	if _, err := mappings.Load(); err != nil {
		if *validateOnly {
			fmt.Fprintf(os.Stderr, "FAIL  %v\n", err)
			os.Exit(1)
		}
		logger.Error("Mapping config invalid, refusing to start", "error", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("OK    mapping config valid")
		return
	}

	logger.Info("Starting AuthSentry",
		"http_addr", httpAddr,
		"data_dir", dataDir,
		"mapping_path", mappingPath,
		"window_seconds", detectCfg.WindowSeconds,
		"brute_force_threshold", detectCfg.BruteForceFailures,
		"spray_user_threshold", detectCfg.SprayDistinctUsers,
		"spray_failure_threshold", detectCfg.SprayFailures)

	if hotReload {
		if err := mappings.Watch(time.Second); err != nil {
			logger.Error("Failed to start mapping watcher", "error", err)
			os.Exit(1)
		}
		defer mappings.Close()
	}

	normalizer, err := normalize.New(mappings, logger)
	if err != nil {
		logger.Error("Failed to build normalizer", "error", err)
		os.Exit(1)
	}

	detector := detect.New(detectCfg, logger)
	prometheusMetrics := metrics.New()

	runs, err := runstore.New(dataDir, logger)
	if err != nil {
		logger.Error("Failed to open run store", "error", err)
		os.Exit(1)
	}

	reg := registry.New(filepath.Join(dataDir, "incidents.json"), prometheusMetrics, nil, logger)
	if err := reg.Rehydrate(); err != nil {
		logger.Error("Failed to load incident registry", "error", err)
		os.Exit(1)
	}

	riskEngine := risk.NewEngine(logger)
	reg.SetSink(riskEngine)
	riskEngine.Rehydrate(reg.List())

	rebuildMetrics(prometheusMetrics, runs, reg, logger)

	var natsConn *nats.Conn
	if natsURL != "" {
		natsConn, err = nats.Connect(natsURL)
		if err != nil {
			logger.Warn("NATS unavailable, incident publishing disabled", "url", natsURL, "error", err)
		} else {
			logger.Info("Connected to NATS", "url", natsURL)
			defer natsConn.Close()
		}
	}
	publisher := bus.NewIncidentPublisher(natsConn, logger)

	orchestrator := ingest.New(normalizer, detector, reg, runs, prometheusMetrics, publisher, logger)
	server := api.NewServer(orchestrator, reg, riskEngine, runs, prometheusMetrics, logger)

	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("HTTP server listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Stopped")
}

// rebuildMetrics seeds the counters from durable state: run artifacts for
// ingest history, the registry for incident types.
func rebuildMetrics(m *metrics.Metrics, runs *runstore.Store, reg *registry.Store, logger *slog.Logger) {
	stats, err := runs.ScanStats()
	if err != nil {
		logger.Warn("Metrics rebuild scan failed, counters start at zero", "error", err)
		return
	}

	byType := make(map[string]int64)
	for _, incident := range reg.List() {
		byType[incident.Type]++
	}

	m.Rebuild(stats.Runs, stats.EventsIngested, stats.EventsNormalized, byType)
	logger.Info("Metrics rebuilt",
		"runs", stats.Runs,
		"events_ingested", stats.EventsIngested,
		"events_normalized", stats.EventsNormalized)
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default
// value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
