package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"dustrak-core/internal/automation"
	"dustrak-core/internal/broker"
	"dustrak-core/internal/control"
	"dustrak-core/internal/events"
	"dustrak-core/internal/fanout"
	"dustrak-core/internal/ingest"
	"dustrak-core/internal/metrics"
	"dustrak-core/internal/store"
	"dustrak-core/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Driver   string `yaml:"driver"` // "bolt" or "postgres"
		Path     string `yaml:"path"`
		DSN      string `yaml:"dsn"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"store"`
	MQTT struct {
		ClientIDPrefix     string   `yaml:"client_id_prefix"`
		Topics             []string `yaml:"topics"`
		ControlTopic       string   `yaml:"control_topic"`
		ReconnectDelay     string   `yaml:"reconnect_delay"`
		InsecureSkipVerify bool     `yaml:"tls_insecure_skip_verify"`
	} `yaml:"mqtt"`
	// Sources seed the data source registry when it is empty.
	Sources []SourceConfig `yaml:"sources"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Automation struct {
		Telegram automation.TelegramConfig `yaml:"telegram"`
	} `yaml:"automation"`
	ScriptsDir string `yaml:"scripts_dir"`

	reconnectDelay time.Duration
}

// SourceConfig is a seeded data source. ID is optional; devices registered
// against a seeded source can reference a fixed ID.
type SourceConfig struct {
	ID             int64    `yaml:"id"`
	Kind           string   `yaml:"kind"`
	Endpoint       string   `yaml:"endpoint"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Description    string   `yaml:"description"`
	Topics         []string `yaml:"topics"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
}

func (sc SourceConfig) dataSource() *store.DataSource {
	return &store.DataSource{
		ID:             sc.ID,
		Kind:           store.SourceKind(sc.Kind),
		Endpoint:       sc.Endpoint,
		Username:       sc.Username,
		Password:       sc.Password,
		Description:    sc.Description,
		Topics:         sc.Topics,
		AllowAnonymous: sc.AllowAnonymous,
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver: %q (supported: bolt, postgres)", c.Store.Driver)
	}
	if c.MQTT.ReconnectDelay != "" {
		d, err := time.ParseDuration(c.MQTT.ReconnectDelay)
		if err != nil || d <= 0 {
			return fmt.Errorf("mqtt.reconnect_delay: invalid duration %q", c.MQTT.ReconnectDelay)
		}
		c.reconnectDelay = d
	}
	for i, ds := range c.Sources {
		if kind := store.SourceKind(ds.Kind); kind != store.KindBroker && kind != store.KindPolledAPI {
			return fmt.Errorf("sources[%d]: unknown kind %q", i, ds.Kind)
		}
		if ds.Endpoint == "" {
			return fmt.Errorf("sources[%d]: endpoint is required", i)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		bootLogger.Warn("load .env", "err", err)
	}

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("dustrak-core starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedSources(ctx, db, cfg.Sources, logger); err != nil {
		return err
	}

	m := metrics.New()
	bus := events.NewBus(logger)

	sources := broker.NewManager(db, broker.Options{
		ClientIDPrefix:     cfg.MQTT.ClientIDPrefix,
		Topics:             cfg.MQTT.Topics,
		ControlTopic:       cfg.MQTT.ControlTopic,
		ReconnectDelay:     cfg.reconnectDelay,
		InsecureSkipVerify: cfg.MQTT.InsecureSkipVerify,
		Events:             bus,
	}, logger, m)
	defer sources.Stop()

	ctrl := control.New(db, sources, bus, m, logger)

	hub := fanout.NewHub(logger, m)
	views := fanout.NewComposer(db, ctrl, logger, time.Now)
	router := ingest.NewRouter(db, ctrl, fanout.NewBroadcaster(views, hub), bus, m, logger)

	// A data source that fails to connect is logged and retried; it never stops startup.
	if err := sources.Start(ctx, router); err != nil {
		return fmt.Errorf("start data sources: %w", err)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(db, ctrl, bus, cfg, logger)
	defer auto.Stop()

	webOpts := []web.ServerOption{
		web.WithSources(sources),
		web.WithMetrics(m),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(db, ctrl, views, hub, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		return nil
	})
	return g.Wait()
}

func openStore(cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := store.NewPostgresStore(cfg.Store.DSN, cfg.Store.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return db, nil
	default:
		db, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return db, nil
	}
}

// seedSources writes the configured data sources into an empty registry.
func seedSources(ctx context.Context, db store.Store, seed []SourceConfig, logger *slog.Logger) error {
	if len(seed) == 0 {
		return nil
	}
	existing, err := db.ListDataSources(ctx)
	if err != nil {
		return fmt.Errorf("list data sources: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, sc := range seed {
		ds := sc.dataSource()
		if err := db.SaveDataSource(ctx, ds); err != nil {
			return fmt.Errorf("seed data source %q: %w", ds.Endpoint, err)
		}
		logger.Info("seeded data source", "id", ds.ID, "kind", ds.Kind, "endpoint", ds.Endpoint)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bolt"
	}
	if cfg.Store.Driver == "bolt" && cfg.Store.Path == "" {
		cfg.Store.Path = "dustrak.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Kind == "" {
			cfg.Sources[i].Kind = string(store.KindBroker)
		}
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
