package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillreport/quill/internal/assembler"
	"github.com/quillreport/quill/internal/engine"
	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/monitoring"
	"github.com/quillreport/quill/internal/orchestrator"
	"github.com/quillreport/quill/internal/progress"
	"github.com/quillreport/quill/internal/source"
	"github.com/quillreport/quill/internal/store"
	"github.com/quillreport/quill/pkg/anthropic"
)

// env holds the wired pipeline for a command invocation.
type env struct {
	Store        store.Store
	Sources      *source.Registry
	Matcher      *matcher.Matcher
	Engine       *engine.Engine
	Tracker      *progress.Tracker
	Orchestrator *orchestrator.Orchestrator
	Collector    *monitoring.Collector
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "quill.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSource(ctx context.Context) (source.DataSource, error) {
	switch cfg.Source.Driver {
	case "sqlite":
		return source.NewSQLite("default", cfg.Source.DatabaseURL)
	case "postgres":
		return source.NewPostgres(ctx, "default", cfg.Source.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported source driver: %s", cfg.Source.Driver)
	}
}

// initEnv wires the full pipeline. The Anthropic client is optional: with
// no API key the matcher runs purely deterministic.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	src, err := initSource(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	registry := source.NewRegistry()
	registry.Register(src)

	var client anthropic.Client
	if cfg.Anthropic.Key != "" {
		client = anthropic.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Info("no anthropic key configured, field matching is deterministic only")
	}

	m := matcher.New(cfg.Matcher, cfg.Anthropic, client)
	eng := engine.New(st, cfg.Engine)
	tracker := progress.NewTracker(st)
	asm := assembler.New(cfg.Assembler.FailureMarker)
	orch := orchestrator.New(st, m, eng, tracker, asm, cfg.Orchestrator, cfg.Matcher)
	collector := monitoring.NewCollector(st, eng)

	return &env{
		Store:        st,
		Sources:      registry,
		Matcher:      m,
		Engine:       eng,
		Tracker:      tracker,
		Orchestrator: orch,
		Collector:    collector,
	}, nil
}

func (e *env) Close() {
	e.Engine.Close()
	if err := e.Sources.Close(); err != nil {
		zap.L().Warn("close data sources", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
