// ============================================================================
// pbem-host Pipeline - staged executor
// ============================================================================
//
// Package: internal/pipeline
// File: executor.go
// Purpose: run named stages, each in its own scope and transaction.
//
// Stage contract:
//   condition false -> log "[Skipping] name", return the default. No scope,
//                      no transaction, no side effects.
//   condition true  -> new Scope, log "[Starting] name", run the body,
//                      commit on success, roll back on failure, always
//                      dispose the scope.
//
// A scope begins its transaction on the first call to Tx, so a stage can
// do slow work (the engine run) before taking the database write lock.
//
// ============================================================================

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/metrics"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// Executor runs stages against one store.
type Executor struct {
	store   *store.Store
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(s *store.Store, m *metrics.Collector, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, metrics: m, log: logger}
}

func (x *Executor) with(args ...any) *Executor {
	return &Executor{store: x.store, metrics: x.metrics, log: x.log.With(args...)}
}

// Scope holds the resources of one running stage.
type Scope struct {
	ctx      context.Context
	store    *store.Store
	tx       *store.Tx
	cleanups []func()

	Stage string
	Log   *slog.Logger
}

// Tx returns the stage transaction, beginning it on first use.
func (s *Scope) Tx() (*store.Tx, error) {
	if s.tx == nil {
		tx, err := s.store.Begin(s.ctx)
		if err != nil {
			return nil, err
		}
		s.tx = tx
	}
	return s.tx, nil
}

// Reader returns the transaction's queries once it has begun, and plain
// database reads before that.
func (s *Scope) Reader() store.Repo {
	if s.tx != nil {
		return s.tx.Repo
	}
	return s.store.Repo
}

// Defer registers f to run when the scope is disposed.
func (s *Scope) Defer(f func()) {
	s.cleanups = append(s.cleanups, f)
}

func (s *Scope) commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

func (s *Scope) dispose() {
	if s.tx != nil && !s.tx.Done() {
		if err := s.tx.Rollback(); err != nil {
			s.Log.Warn("rollback failed", "error", err)
		}
	}
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

// Body is the work of one stage.
type Body[T any] func(ctx context.Context, sc *Scope) fx.Result[T]

// Stage wraps body as a named, conditional, transactional step.
func Stage[T any](x *Executor, name string, condition bool, body Body[T], def T) fx.Async[T] {
	return func(ctx context.Context) fx.Result[T] {
		if !condition {
			x.log.Info("[Skipping] " + name)
			x.metrics.ObserveStage(name, metrics.OutcomeSkipped, 0)
			return fx.Success(def)
		}

		sc := &Scope{ctx: ctx, store: x.store, Stage: name, Log: x.log.With("stage", name)}
		run := fx.FinallyAsync(func(ctx context.Context) fx.Result[T] {
			x.log.Info("[Starting] " + name)
			res := body(ctx, sc)
			if res.IsFailure() {
				return res
			}
			if err := sc.commit(); err != nil {
				return fx.Failure[T](err)
			}
			return res
		}, sc.dispose)

		start := time.Now()
		res := run.Run(ctx)
		elapsed := time.Since(start)

		if err := res.Err(); err != nil {
			x.log.Error("[Failed] "+name, "error", err, "elapsed", elapsed.Round(time.Millisecond))
			x.metrics.ObserveStage(name, metrics.OutcomeFailed, elapsed)
			return res
		}
		x.log.Info("[Finished] "+name, "elapsed", elapsed.Round(time.Millisecond))
		x.metrics.ObserveStage(name, metrics.OutcomeSucceeded, elapsed)
		return res
	}
}
