package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/shlex"

	"github.com/seantiz/kiln/internal/compiler"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/workspace"
)

// app holds everything built from the configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	registry registry.Registry
	engine   *engine.Engine
	closers  []func() error
}

func wireApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	a := &app{cfg: cfg, logger: logger}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	db, err := store.NewSQLiteStore(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = db
	a.closers = append(a.closers, db.Close)

	switch a.cfg.Registry {
	case config.RegistryRedis:
		r, err := registry.DialRedis(a.cfg.RedisURL, a.cfg.RedisPrefix)
		if err != nil {
			return err
		}
		a.registry = r
		a.closers = append(a.closers, r.Close)
	case config.RegistrySQLite:
		r, err := registry.NewSQLite(db.DB())
		if err != nil {
			return err
		}
		a.registry = r
	default:
		a.registry = registry.NewMemory()
	}

	compilers, err := buildCompilers(a.cfg)
	if err != nil {
		return err
	}

	workspaces, err := workspace.NewManager(a.cfg.WorkspaceRoot)
	if err != nil {
		return err
	}

	prefix, err := shlex.Split(a.cfg.RunPrefix)
	if err != nil {
		return fmt.Errorf("parse run prefix: %w", err)
	}

	a.engine = engine.NewEngine(engine.Options{
		Store:      db,
		Registry:   a.registry,
		Compilers:  compilers,
		Workspaces: workspaces,
		Logger:     a.logger,
		Bounds: model.LimitBounds{
			DefaultWall: a.cfg.WallLimit,
			DefaultIdle: a.cfg.IdleLimit,
			Min:         a.cfg.MinLimit,
			MaxWall:     a.cfg.MaxWallLimit,
		},
		SessionTTL:       a.cfg.SessionTTL,
		WatchdogInterval: a.cfg.WatchdogInterval,
		InputPoll:        a.cfg.InputPoll,
		ChunkSize:        a.cfg.ChunkSize,
		WriteTimeout:     a.cfg.WriteTimeout,
		MemoryLimitMB:    uint64(a.cfg.MemoryLimitMB),
		FileSizeLimitKB:  uint64(a.cfg.FileSizeLimitKB),
		RunPrefix:        prefix,
		MaxCodeBytes:     a.cfg.MaxCodeBytes,
		Harvest: workspace.HarvestPolicy{
			MaxBytes:   a.cfg.HarvestMaxBytes,
			MaxFiles:   a.cfg.HarvestMaxFiles,
			Extensions: a.cfg.HarvestExtensions,
		},
		RunWallLimit:   a.cfg.RunWallLimit,
		RunOutputLimit: a.cfg.RunOutputLimit,
	})
	return nil
}

// buildCompilers registers C++ (the default) and C.
func buildCompilers(cfg config.Config) (*compiler.Registry, error) {
	cpp, err := compiler.NewCommand(model.LanguageCPP, "main.cpp", []string{".cpp", ".cc", ".cxx"}, cfg.CPPCompile, cfg.CompileTimeout)
	if err != nil {
		return nil, err
	}
	c, err := compiler.NewCommand(model.LanguageC, "main.c", []string{".c"}, cfg.CCompile, cfg.CompileTimeout)
	if err != nil {
		return nil, err
	}

	reg := compiler.NewRegistry()
	reg.Register(cpp)
	reg.Register(c)
	return reg, nil
}

// Close releases the store and registry connections in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
