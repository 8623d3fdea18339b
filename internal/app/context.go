package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"etdflow/internal/blob"
	"etdflow/internal/config"
	"etdflow/internal/db"
	"etdflow/internal/engine"
	"etdflow/internal/logger"
	"etdflow/internal/metrics"
	"etdflow/internal/migrate"
	"etdflow/internal/repo"
)

// DefaultServiceID names the config row when none is given.
const DefaultServiceID = "etd"

// ResolveConfig returns the stored service config, seeding it on first use
// from the workspace etd.yml when present, the built-in default otherwise.
func ResolveConfig(ctx context.Context, workspace, serviceID string, r repo.Repo) (*config.Config, error) {
	if serviceID == "" {
		serviceID = DefaultServiceID
	}
	cfg, err := r.GetConfig(ctx, serviceID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if seed == nil {
		seed = config.Default(serviceID)
	}
	seed.Service.ID = serviceID
	if err := r.UpsertConfig(ctx, nil, seed); err != nil {
		return nil, fmt.Errorf("seed service config: %w", err)
	}
	return seed, nil
}

// Options select the database, workspace and ambient settings of a Runtime.
type Options struct {
	Workspace   string
	DatabaseURL string
	ServiceID   string
	LogLevel    string
	LogFormat   string
	// Registry receives the metrics; nil uses a private registry.
	Registry *prometheus.Registry
}

// Runtime is a wired engine plus the resources it holds.
type Runtime struct {
	DB      *sql.DB
	Engine  engine.Engine
	Config  *config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Registry gathers Metrics for the /metrics endpoint.
	Registry *prometheus.Registry
}

// Open connects, migrates, resolves the config and wires the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	log, err := logger.New(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return nil, err
	}
	dbCfg := db.Config{Workspace: opts.Workspace, URL: opts.DatabaseURL}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	dialect := dbCfg.Dialect()
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	cfg, err := ResolveConfig(ctx, opts.Workspace, opts.ServiceID, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	store, err := blob.Open(ctx, cfg.Blob, opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	eng := engine.New(conn, dialect, cfg)
	eng.Blobs = store
	eng.Log = log
	eng.Metrics = m
	log.Debug("runtime ready",
		zap.String("dialect", string(dialect)),
		zap.String("service_id", cfg.Service.ID),
		zap.String("blob_backend", cfg.Blob.Backend),
	)
	return &Runtime{DB: conn, Engine: eng, Config: cfg, Log: log, Metrics: m, Registry: reg}, nil
}

func (rt *Runtime) Close() error {
	_ = rt.Log.Sync()
	return rt.DB.Close()
}
