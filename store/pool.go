package store

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aep/kvshim/kv"
	"github.com/aep/kvshim/metrics"

	"github.com/maypok86/otter"
)

var ErrPoolClosed = errors.New("environment pool is closed")

// Pool keeps one read-write environment per store path open across
// accessor calls. An environment idle for longer than the TTL, or pushed
// out by capacity, is closed once its last transaction has ended.
//
// With the bolt engine a pooled environment holds the store's exclusive
// file lock for as long as it stays open, which keeps other processes out.
type Pool struct {
	engine kv.Engine
	opts   kv.Options

	// serializes acquisition, so one path is never opened twice at once
	mu     sync.Mutex
	closed bool
	cache  otter.Cache[string, *pooled]

	liveMu sync.Mutex
	live   map[string]*pooled
}

type pooled struct {
	p    *Pool
	path string
	env  kv.KV

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

func NewPool(engine kv.Engine, opts kv.Options, capacity int, ttl time.Duration) (*Pool, error) {
	if capacity < 1 {
		capacity = 1
	}
	opts.ReadOnly = false

	p := &Pool{
		engine: engine,
		opts:   opts,
		live:   make(map[string]*pooled),
	}

	cache, err := otter.MustBuilder[string, *pooled](capacity).
		WithTTL(ttl).
		DeletionListener(func(path string, e *pooled, cause otter.DeletionCause) {
			// Set refreshes the TTL by replacing an entry with itself
			if cause == otter.Replaced {
				return
			}
			metrics.ObservePool("evict")
			e.evict()
		}).
		Build()
	if err != nil {
		return nil, err
	}
	p.cache = cache

	return p, nil
}

// Acquire returns the environment for path and the function that hands it
// back. The environment stays open at least until release is called.
func (p *Pool) Acquire(path string) (kv.KV, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPoolClosed
	}

	p.liveMu.Lock()
	e := p.live[path]
	p.liveMu.Unlock()

	if e != nil && e.retain() {
		metrics.ObservePool("hit")
	} else {
		env, err := p.engine.Open(path, p.opts)
		if err != nil {
			return nil, nil, err
		}
		metrics.ObservePool("miss")
		slog.Debug("pool opened environment", "path", path, "engine", p.engine.Name())

		e = &pooled{p: p, path: path, env: env, refs: 1}
		p.liveMu.Lock()
		p.live[path] = e
		p.liveMu.Unlock()
	}

	p.cache.Set(path, e)

	var once sync.Once
	return e.env, func() { once.Do(e.release) }, nil
}

// Len returns the number of environments currently open.
func (p *Pool) Len() int {
	p.liveMu.Lock()
	defer p.liveMu.Unlock()
	return len(p.live)
}

// Close closes every idle environment now and every busy one as soon as
// its transaction ends. Acquire fails afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	p.liveMu.Lock()
	var all []*pooled
	for _, e := range p.live {
		all = append(all, e)
	}
	p.liveMu.Unlock()

	for _, e := range all {
		e.evict()
	}
	p.cache.Close()
}

func (e *pooled) retain() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.evicted = false
	e.refs++
	return true
}

func (e *pooled) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted {
		e.close()
	}
}

func (e *pooled) evict() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	if e.refs == 0 {
		e.close()
	}
}

// close must be called with e.mu held.
func (e *pooled) close() {
	if e.closed {
		return
	}
	e.closed = true

	if err := e.env.Close(); err != nil {
		slog.Warn("pool closing environment", "path", e.path, "err", err)
	}
	slog.Debug("pool closed environment", "path", e.path)

	e.p.liveMu.Lock()
	if e.p.live[e.path] == e {
		delete(e.p.live, e.path)
	}
	e.p.liveMu.Unlock()
}
