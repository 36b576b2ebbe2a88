// Package store implements transactional access to an embedded key-value
// store directory.
//
// Every operation runs inside one access envelope: acquire the environment,
// begin a single transaction, do one thing, commit or abort, release every
// handle, and only then report the outcome. Nothing is retried.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aep/kvshim/kv"
	"github.com/aep/kvshim/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/aep/kvshim/store")
}

type Accessor struct {
	engine kv.Engine
	opts   kv.Options
	pool   *Pool
}

type Option func(*Accessor)

// WithOptions sets the options every environment is opened with.
func WithOptions(o kv.Options) Option {
	return func(a *Accessor) {
		a.opts = o
	}
}

// WithPool keeps environments open across calls instead of opening and
// closing one per call. The caller owns the pool and closes it at exit.
func WithPool(p *Pool) Option {
	return func(a *Accessor) {
		a.pool = p
	}
}

func New(engine kv.Engine, opts ...Option) *Accessor {
	a := &Accessor{
		engine: engine,
		opts:   kv.DefaultOptions(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Accessor) Engine() kv.Engine {
	return a.engine
}

// Get returns the value stored under key, or an error of kind
// KindNotFound when there is none.
func (a *Accessor) Get(ctx context.Context, path string, key []byte) ([]byte, error) {
	var value []byte
	err := a.run(ctx, "get", path, func(ctx context.Context) error {
		if len(key) == 0 {
			return &Error{Kind: KindInvalid, Op: "get", Path: path, Err: kv.ErrEmptyKey}
		}
		return a.view(ctx, "get", path, func(r kv.Read) error {
			v, err := r.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				return &Error{Kind: KindNotFound, Op: "get", Path: path}
			}
			if err != nil {
				return &Error{Kind: KindTransaction, Op: "get", Path: path, Err: err}
			}
			value = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GetOrDefault is Get with absence treated as an empty value. Every other
// failure is still returned.
func (a *Accessor) GetOrDefault(ctx context.Context, path string, key []byte) ([]byte, error) {
	v, err := a.Get(ctx, path, key)
	if errors.Is(err, ErrNotFound) {
		return []byte{}, nil
	}
	return v, err
}

// Put inserts or overwrites key. Either the insert and the commit both
// succeed or nothing of the call is visible to later readers.
func (a *Accessor) Put(ctx context.Context, path string, key, value []byte) error {
	return a.run(ctx, "put", path, func(ctx context.Context) error {
		if len(key) == 0 {
			return &Error{Kind: KindInvalid, Op: "put", Path: path, Err: kv.ErrEmptyKey}
		}
		return a.update(ctx, "put", path, func(w kv.Write) error {
			if err := w.Put(key, value); err != nil {
				return &Error{Kind: KindWrite, Op: "put", Path: path, Err: err}
			}
			return nil
		})
	})
}

// Delete removes key. A missing key fails with KindNotFound and the
// transaction is aborted without a commit.
func (a *Accessor) Delete(ctx context.Context, path string, key []byte) error {
	return a.run(ctx, "delete", path, func(ctx context.Context) error {
		if len(key) == 0 {
			return &Error{Kind: KindInvalid, Op: "delete", Path: path, Err: kv.ErrEmptyKey}
		}
		return a.update(ctx, "delete", path, func(w kv.Write) error {
			err := w.Del(key)
			if errors.Is(err, kv.ErrNotFound) {
				return &Error{Kind: KindNotFound, Op: "delete", Path: path}
			}
			if err != nil {
				return &Error{Kind: KindWrite, Op: "delete", Path: path, Err: err}
			}
			return nil
		})
	})
}

// ScanAll returns every record of the store in key order. Ranging over the
// sequence opens a fresh envelope; the loop body runs inside the read
// transaction, so it must not open another transaction on the same store.
// A failure is yielded once, as the last element.
func (a *Accessor) ScanAll(ctx context.Context, path string) iter.Seq2[kv.KeyAndValue, error] {
	return func(yield func(kv.KeyAndValue, error) bool) {
		var n int
		var stopped bool

		err := a.run(ctx, "scan", path, func(ctx context.Context) error {
			return a.view(ctx, "scan", path, func(r kv.Read) error {
				for rec, err := range r.Iter(ctx) {
					if err != nil {
						return &Error{Kind: KindScan, Op: "scan", Path: path, Err: err}
					}
					n++
					if !yield(rec, nil) {
						stopped = true
						return nil
					}
				}
				return nil
			})
		})
		metrics.ObserveScanned(n)

		if err != nil && !stopped {
			yield(kv.KeyAndValue{}, err)
		}
	}
}

// Count returns the number of records in the store.
func (a *Accessor) Count(ctx context.Context, path string) (int, error) {
	var n int
	for _, err := range a.ScanAll(ctx, path) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func (a *Accessor) run(ctx context.Context, op, path string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "store.Accessor."+op,
		trace.WithAttributes(
			attribute.String("kv.engine", a.engine.Name()),
			attribute.String("kv.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)

	result := "ok"
	if err != nil {
		result = KindOf(err).String()
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("kv.result", result))
	}
	metrics.ObserveOperation(op, result, took)
	slog.Debug("store operation", "op", op, "path", path, "engine", a.engine.Name(), "took", took, "err", err)

	return err
}

// acquire returns an environment for path and the function that gives it
// back.
func (a *Accessor) acquire(op, path string, readOnly bool) (kv.KV, func(), error) {
	var env kv.KV
	var release func()
	var err error

	if a.pool != nil {
		env, release, err = a.pool.Acquire(path)
	} else {
		opts := a.opts
		opts.ReadOnly = readOnly
		env, err = a.engine.Open(path, opts)
		if err == nil {
			release = func() {
				if err := env.Close(); err != nil {
					slog.Warn("closing environment", "path", path, "err", err)
				}
			}
		}
	}
	if err != nil {
		// running out of patience on another writer's lock is a
		// transaction failure, not a broken store
		if errors.Is(err, kv.ErrLocked) {
			return nil, nil, &Error{Kind: KindTransaction, Op: op, Path: path, Err: err}
		}
		return nil, nil, &Error{Kind: KindEnvironment, Op: op, Path: path, Err: err}
	}
	return env, release, nil
}

func (a *Accessor) view(ctx context.Context, op, path string, fn func(kv.Read) error) error {
	env, release, err := a.acquire(op, path, true)
	if err != nil {
		return err
	}
	defer release()

	r, err := env.Read()
	if err != nil {
		return &Error{Kind: KindTransaction, Op: op, Path: path, Err: err}
	}
	defer r.Close()

	return fn(r)
}

func (a *Accessor) update(ctx context.Context, op, path string, fn func(kv.Write) error) error {
	env, release, err := a.acquire(op, path, false)
	if err != nil {
		return err
	}
	defer release()

	w, err := env.Write()
	if err != nil {
		return &Error{Kind: KindTransaction, Op: op, Path: path, Err: err}
	}
	// aborts unless the commit below ran
	defer w.Close()

	if err := fn(w); err != nil {
		return err
	}

	start := time.Now()
	err = w.Commit(ctx)
	metrics.ObserveCommit(op, time.Since(start), err)
	if err != nil {
		return &Error{Kind: KindWrite, Op: op, Path: path, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}
