// relay-core - Smart Relay Backend
//
// This is the main entry point for the relay-core service. It wires the
// durable device registry, the MQTT telemetry pipeline, the command
// dispatcher, and the WebSocket server together, then runs until a
// shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/smartrelay/relay-core/migrations"

	"github.com/smartrelay/relay-core/internal/api"
	"github.com/smartrelay/relay-core/internal/auth"
	"github.com/smartrelay/relay-core/internal/billing"
	"github.com/smartrelay/relay-core/internal/control"
	"github.com/smartrelay/relay-core/internal/device"
	"github.com/smartrelay/relay-core/internal/infrastructure/config"
	"github.com/smartrelay/relay-core/internal/infrastructure/database"
	"github.com/smartrelay/relay-core/internal/infrastructure/influxdb"
	"github.com/smartrelay/relay-core/internal/infrastructure/logging"
	"github.com/smartrelay/relay-core/internal/infrastructure/mqtt"
	"github.com/smartrelay/relay-core/internal/notify"
	"github.com/smartrelay/relay-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting relay-core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Seed the initial admin account on first boot
	userRepo := auth.NewUserRepository(db.DB)
	if _, seedErr := auth.SeedAdmin(ctx, userRepo, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	// Initialise device registry
	deviceRegistry := device.NewRegistry(
		device.NewSQLiteRepository(db.DB),
		device.NewSQLiteEventRepository(db.DB),
		device.NewSQLiteCommandRepository(db.DB),
	)
	deviceRegistry.SetLogger(log)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetDeviceCount())

	// Permission evaluator and token verifier
	billingRepo := billing.NewRepository(db.DB)
	evaluator := auth.NewEvaluator(deviceRegistry, billingRepo, cfg.Auth.DefaultMaxDevices)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, userRepo)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Command dispatcher
	dispatcher := control.NewDispatcher(deviceRegistry, evaluator, mqttClient)
	dispatcher.SetLogger(log)

	// WebSocket hub and API server
	hub := api.NewHub(cfg.WebSocket, verifier, evaluator, deviceRegistry, dispatcher, log)
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Hub:     hub,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Telemetry ingestion. A nil *influxdb.Client must not be wrapped in
	// the interface, or the nil check inside the ingestor never fires.
	var metrics telemetry.MetricsWriter
	if influxClient != nil {
		metrics = influxClient
	}
	notifier := notify.NewLogNotifier(log.Logger)

	ingestor := telemetry.NewIngestor(deviceRegistry, hub, metrics, notifier, log)
	if startErr := ingestor.Start(ctx, mqttClient); startErr != nil {
		return fmt.Errorf("starting telemetry ingestor: %w", startErr)
	}

	// Periodic event log retention sweep
	if cfg.Retention.EventTTLDays > 0 {
		go retentionLoop(ctx, deviceRegistry, cfg.Retention, log)
	} else {
		log.Info("event retention disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("relay-core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses RELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// retentionLoop prunes device events older than the configured TTL on a
// fixed interval until the context is cancelled.
func retentionLoop(ctx context.Context, registry *device.Registry, cfg config.RetentionConfig, log *logging.Logger) {
	interval := time.Duration(cfg.SweepInterval) * time.Minute
	ttl := time.Duration(cfg.EventTTLDays) * 24 * time.Hour

	log.Info("event retention sweep started", "ttl_days", cfg.EventTTLDays, "interval_minutes", cfg.SweepInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := registry.PruneEvents(ctx, ttl)
			if err != nil {
				log.Error("event retention sweep failed", "error", err)
				continue
			}
			if pruned > 0 {
				log.Info("event retention sweep complete", "pruned", pruned)
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}
