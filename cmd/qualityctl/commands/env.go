package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/checkpoint"
	"github.com/David-Botos/quality-ingress/pkg/connector"
	"github.com/David-Botos/quality-ingress/pkg/migration"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
	"github.com/David-Botos/quality-ingress/pkg/preflight"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
	"github.com/David-Botos/quality-ingress/pkg/source"
)

const pingTimeout = 5 * time.Second

// environment holds the connections opened for one command
type environment struct {
	factory *connector.ConnectorFactory
	pg      *connector.PostgresConnector
	closers []io.Closer
}

func newEnvironment() *environment {
	return &environment{factory: connector.NewConnectorFactory(cfg, logger)}
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
}

func envError(stage string, err error) error {
	return pipeline.NewError(pipeline.KindEnvironment, stage, err, nil)
}

// postgres opens the target database once per command
func (e *environment) postgres(ctx context.Context) (*connector.PostgresConnector, error) {
	if e.pg != nil {
		return e.pg, nil
	}
	pg, err := e.factory.CreatePostgresConnector(ctx)
	if err != nil {
		return nil, envError("connect", err)
	}
	e.pg = pg
	e.closers = append(e.closers, pg)
	return pg, nil
}

// store opens the bookkeeping store and creates its tables
func (e *environment) store(ctx context.Context) (*quarantine.PostgresStore, error) {
	pg, err := e.postgres(ctx)
	if err != nil {
		return nil, err
	}
	store, err := quarantine.NewPostgresStore(pg.DBx(), cfg.Pipeline.MetaSchema, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, envError("connect", err)
	}
	return store, nil
}

func (e *environment) target(ctx context.Context) (*migration.PostgresTarget, error) {
	pg, err := e.postgres(ctx)
	if err != nil {
		return nil, err
	}
	return migration.NewPostgresTarget(pg.DBx(), cfg.Pipeline.MetaSchema, cfg.Pipeline.BatchSize, logger)
}

// orchestrator is used by the commands that act on committed batches
func (e *environment) orchestrator(ctx context.Context) (*migration.Orchestrator, error) {
	store, err := e.store(ctx)
	if err != nil {
		return nil, err
	}
	target, err := e.target(ctx)
	if err != nil {
		return nil, err
	}
	if err := target.Init(ctx); err != nil {
		return nil, envError("connect", err)
	}
	return migration.New(target, store, cfg.Pipeline, logger)
}

// loader builds the extract source selected by --source and the pre-flight
// checks that go with it
func (e *environment) loader(ctx context.Context, checks *preflight.Checker) (source.Loader, error) {
	switch sourceKind {
	case "csv":
		var files []string
		for _, entity := range model.AllEntities() {
			files = append(files, filepath.Join(inputDir, source.FileName(entity)))
		}
		checks.RequireFiles(files...)
		return source.NewDirLoader(inputDir, model.Schemas(), logger), nil
	case "snowflake":
		sf, err := e.factory.CreateSnowflakeConnector(ctx)
		if err != nil {
			return nil, envError("connect", err)
		}
		e.closers = append(e.closers, sf)
		checks.RequireReachable("snowflake", connector.Reachable(sf, pingTimeout))
		return source.NewSnowflakeLoader(sf, model.Schemas(), cfg.Pipeline.BatchSize, logger)
	default:
		return nil, envError("config", fmt.Errorf("unknown source %q (want csv or snowflake)", sourceKind))
	}
}

// runOptions selects which collaborators a pipeline command needs
type runOptions struct {
	pipeline.Options
	needStore  bool
	needTarget bool
}

// runPipeline wires the collaborators and runs the stages up to opts.Until
func runPipeline(ctx context.Context, opts runOptions) (*pipeline.Result, error) {
	env := newEnvironment()
	defer env.Close()

	checks := preflight.New(preflight.Options{
		WorkDir:       cfg.Pipeline.WorkDir,
		MinFreeBytes:  cfg.Pipeline.MinFreeDiskBytes,
		RetryAttempts: cfg.Pipeline.RetryAttempts,
		RetryDelay:    cfg.Pipeline.RetryDelay,
	}, logger)

	loader, err := env.loader(ctx, checks)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{Loader: loader, Preflight: checks}

	if opts.needStore || opts.needTarget {
		pg, err := env.postgres(ctx)
		if err != nil {
			return nil, err
		}
		checks.RequireReachable("postgres", connector.Reachable(pg, pingTimeout))

		if deps.Store, err = env.store(ctx); err != nil {
			return nil, err
		}
		if opts.needTarget {
			if deps.Target, err = env.target(ctx); err != nil {
				return nil, err
			}
		}
	}

	store, err := checkpoint.New(ctx, cfg, logger)
	if err != nil {
		return nil, envError("checkpoint", err)
	}
	if c, ok := store.(io.Closer); ok {
		env.closers = append(env.closers, c)
	}
	deps.Checkpoints = store

	p, err := pipeline.New(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	opts.BatchID = batchID
	return p.Run(ctx, opts.Options)
}
