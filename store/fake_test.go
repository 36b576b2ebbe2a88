package store

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/aep/kvshim/kv"
)

var errInjected = errors.New("injected failure")

// faultEngine is an in-memory engine that counts every handle it gives out
// and fails on demand.
type faultEngine struct {
	mu sync.Mutex

	data map[string]map[string][]byte

	openErr   error
	beginErr  error
	getErr    error
	putErr    error
	delErr    error
	commitErr error
	iterErrAt int // fail the cursor before this record, 0 disables

	opens, closes       int
	begins, ends        int
	commits, rollbacks  int
	lastOpenWasReadOnly bool
}

func newFaultEngine() *faultEngine {
	return &faultEngine{data: make(map[string]map[string][]byte)}
}

func (e *faultEngine) Name() string { return "fault" }

func (e *faultEngine) Open(path string, opts kv.Options) (kv.KV, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.opens++
	e.lastOpenWasReadOnly = opts.ReadOnly
	if e.data[path] == nil {
		e.data[path] = make(map[string][]byte)
	}
	return &faultEnv{e: e, path: path}, nil
}

// balanced reports whether every handle handed out was given back.
func (e *faultEngine) balanced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens == e.closes && e.begins == e.ends
}

func (e *faultEngine) closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *faultEngine) snapshot(path string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string)
	for k, v := range e.data[path] {
		out[k] = string(v)
	}
	return out
}

type faultEnv struct {
	e      *faultEngine
	path   string
	closed bool
}

func (f *faultEnv) begin() error {
	f.e.mu.Lock()
	defer f.e.mu.Unlock()
	if f.e.beginErr != nil {
		return f.e.beginErr
	}
	f.e.begins++
	return nil
}

func (f *faultEnv) Read() (kv.Read, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	return &faultTxn{env: f, pending: map[string][]byte{}}, nil
}

func (f *faultEnv) Write() (kv.Write, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	return &faultTxn{env: f, pending: map[string][]byte{}, writable: true}, nil
}

func (f *faultEnv) Close() error {
	f.e.mu.Lock()
	defer f.e.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.e.closes++
	}
	return nil
}

type faultTxn struct {
	env      *faultEnv
	writable bool
	pending  map[string][]byte // nil value marks a delete
	done     bool
}

func (t *faultTxn) lookup(key []byte) ([]byte, bool) {
	if v, ok := t.pending[string(key)]; ok {
		return v, v != nil
	}
	t.env.e.mu.Lock()
	defer t.env.e.mu.Unlock()
	v, ok := t.env.e.data[t.env.path][string(key)]
	return v, ok
}

func (t *faultTxn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if t.env.e.getErr != nil {
		return nil, t.env.e.getErr
	}
	v, ok := t.lookup(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *faultTxn) Iter(ctx context.Context) iter.Seq2[kv.KeyAndValue, error] {
	return func(yield func(kv.KeyAndValue, error) bool) {
		snap := t.env.e.snapshot(t.env.path)
		var keys []string
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for i, k := range keys {
			if t.env.e.iterErrAt != 0 && i+1 == t.env.e.iterErrAt {
				yield(kv.KeyAndValue{}, errInjected)
				return
			}
			if !yield(kv.KeyAndValue{K: []byte(k), V: []byte(snap[k])}, nil) {
				return
			}
		}
	}
}

func (t *faultTxn) Put(key, value []byte) error {
	if t.env.e.putErr != nil {
		return t.env.e.putErr
	}
	t.pending[string(key)] = append([]byte{}, value...)
	return nil
}

func (t *faultTxn) Del(key []byte) error {
	if t.env.e.delErr != nil {
		return t.env.e.delErr
	}
	if _, ok := t.lookup(key); !ok {
		return kv.ErrNotFound
	}
	t.pending[string(key)] = nil
	return nil
}

func (t *faultTxn) Commit(ctx context.Context) error {
	if t.done {
		return kv.ErrClosed
	}
	t.finish()

	e := t.env.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitErr != nil {
		return e.commitErr
	}
	e.commits++
	for k, v := range t.pending {
		if v == nil {
			delete(e.data[t.env.path], k)
		} else {
			e.data[t.env.path][k] = v
		}
	}
	return nil
}

func (t *faultTxn) Rollback() error {
	if t.done {
		return kv.ErrClosed
	}
	t.finish()
	t.env.e.mu.Lock()
	t.env.e.rollbacks++
	t.env.e.mu.Unlock()
	return nil
}

func (t *faultTxn) finish() {
	t.done = true
	t.env.e.mu.Lock()
	t.env.e.ends++
	t.env.e.mu.Unlock()
}

func (t *faultTxn) Close() {
	if !t.done {
		t.Rollback()
	}
}
