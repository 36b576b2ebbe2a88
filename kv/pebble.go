package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sethvargo/go-retry"
)

// Pebble is the LSM engine. Pebble takes an exclusive lock on its
// directory, so other processes queue on it while this one shares a single
// open DB per directory between all of its handles.
type Pebble struct {
	// FS defaults to the local disk.
	FS vfs.FS
}

// NewMemPebble returns a pebble engine on a private in-memory filesystem.
// Stores survive Close and reopen for as long as the engine value lives.
func NewMemPebble() Engine {
	return Pebble{FS: vfs.NewMem()}
}

func (Pebble) Name() string { return "pebble" }

type pebbleKey struct {
	fs   vfs.FS
	path string
}

// sharedPebble is one open DB and the number of handles on it.
type sharedPebble struct {
	db   *pebble.DB
	refs int

	// pebble batches do not isolate writers from each other, so writes
	// are serialized from begin to commit or rollback
	writeLock sync.Mutex
}

var (
	pebbleMu   sync.Mutex
	pebbleOpen = map[pebbleKey]*sharedPebble{}
)

func (e Pebble) key(path string) pebbleKey {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return pebbleKey{fs: e.FS, path: filepath.Clean(path)}
}

func (e Pebble) Open(path string, opts Options) (KV, error) {
	opts = opts.withDefaults()
	k := e.key(path)

	pebbleMu.Lock()
	defer pebbleMu.Unlock()

	s := pebbleOpen[k]
	if s == nil {
		db, err := e.open(path, opts.LockTimeout)
		if err != nil {
			return nil, err
		}
		s = &sharedPebble{db: db}
		pebbleOpen[k] = s
	}
	s.refs++
	log.Debug("[pebble].Open:", "path", path, "refs", s.refs)

	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &Pebbledb{shared: s, k: k, wo: wo, prefix: keyspacePrefix(opts.Keyspace)}, nil
}

// open waits up to timeout for another process to let go of the directory.
func (e Pebble) open(path string, timeout time.Duration) (*pebble.DB, error) {
	popts := &pebble.Options{
		FS:     e.FS,
		Logger: pebbleLogger{log},
	}

	var db *pebble.DB
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		var err error
		db, err = pebble.Open(path, popts)
		if err == nil {
			return nil
		}
		log.Debug("[pebble].Open:", "path", path, "err", err)
		if errors.Is(err, syscall.EAGAIN) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}
	return db, nil
}

// pebbleLogger sends pebble's own messages to the engine debug log.
type pebbleLogger struct {
	l *slog.Logger
}

func (p pebbleLogger) Infof(format string, args ...interface{}) {
	p.l.Debug("[pebble] " + fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	p.l.Error("[pebble] " + fmt.Sprintf(format, args...))
	os.Exit(1)
}

// keyspaces share one pebble keyspace, separated by a length-prefixed name
func keyspacePrefix(name string) []byte {
	p := make([]byte, 0, len(name)+1)
	p = append(p, byte(len(name)))
	return append(p, name...)
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type Pebbledb struct {
	shared *sharedPebble
	k      pebbleKey
	wo     *pebble.WriteOptions
	prefix []byte
	closed bool
}

// Close drops this handle. The DB itself closes with its last handle.
func (p *Pebbledb) Close() error {
	pebbleMu.Lock()
	defer pebbleMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.shared.refs--
	if p.shared.refs > 0 {
		return nil
	}
	delete(pebbleOpen, p.k)
	return p.shared.db.Close()
}

func (p *Pebbledb) Write() (Write, error) {
	p.shared.writeLock.Lock()
	batch := p.shared.db.NewIndexedBatch()
	return &PebbleWrite{p: p, batch: batch}, nil
}

func (p *Pebbledb) Read() (Read, error) {
	snapshot := p.shared.db.NewSnapshot()
	return &PebbleRead{snapshot: snapshot, prefix: p.prefix}, nil
}

func (p *Pebbledb) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func pebbleGet(get func([]byte) ([]byte, func() error, error), key []byte) ([]byte, error) {
	val, closer, err := get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer()

	// Copy the value since the closer will invalidate it
	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func pebbleIter(ctx context.Context, prefix []byte, newIter func(*pebble.IterOptions) (*pebble.Iterator, error)) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		it, err := newIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: upperBound(prefix),
		})
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				yield(KeyAndValue{}, err)
				return
			}
			// Copy key and value since they may be invalidated by iterator movement
			key := append([]byte(nil), it.Key()[len(prefix):]...)
			val := append([]byte{}, it.Value()...)

			log.Debug("[pebble].Iter:", "at", string(key))
			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}

		if err := it.Error(); err != nil {
			log.Debug("[pebble].Iter:", "err", err)
			yield(KeyAndValue{}, err)
		}
	}
}

type PebbleWrite struct {
	p     *Pebbledb
	batch *pebble.Batch
	done  bool
}

func (w *PebbleWrite) Commit(ctx context.Context) error {
	if w.done {
		return ErrClosed
	}
	defer w.finish()

	err := w.batch.Commit(w.p.wo)
	log.Debug("[pebble].Commit:", "err", err)
	return err
}

func (w *PebbleWrite) Rollback() error {
	if w.done {
		return ErrClosed
	}
	w.finish()
	return nil
}

func (w *PebbleWrite) finish() {
	w.done = true
	w.batch.Close()
	w.p.shared.writeLock.Unlock()
}

func (w *PebbleWrite) Close() {
	if !w.done {
		w.Rollback()
	}
}

func (w *PebbleWrite) Put(key []byte, value []byte) error {
	if w.done {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	err := w.batch.Set(w.p.key(key), value, nil)
	log.Debug("[pebble].Put:", "key", string(key), "err", err)
	return err
}

func (w *PebbleWrite) Get(ctx context.Context, key []byte) ([]byte, error) {
	if w.done {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	v, err := pebbleGet(func(k []byte) ([]byte, func() error, error) {
		v, c, err := w.batch.Get(k)
		if err != nil {
			return nil, nil, err
		}
		return v, c.Close, nil
	}, w.p.key(key))
	log.Debug("[pebble].Get:", "key", string(key), "err", err)
	return v, err
}

func (w *PebbleWrite) Del(key []byte) error {
	if w.done {
		return ErrClosed
	}
	if _, err := w.Get(context.Background(), key); err != nil {
		return err
	}
	err := w.batch.Delete(w.p.key(key), nil)
	log.Debug("[pebble].Del:", "key", string(key), "err", err)
	return err
}

func (w *PebbleWrite) Iter(ctx context.Context) iter.Seq2[KeyAndValue, error] {
	if w.done {
		return func(yield func(KeyAndValue, error) bool) { yield(KeyAndValue{}, ErrClosed) }
	}
	return pebbleIter(ctx, w.p.prefix, w.batch.NewIter)
}

type PebbleRead struct {
	snapshot *pebble.Snapshot
	prefix   []byte
	done     bool
}

func (r *PebbleRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	if r.done {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	full := append(append([]byte(nil), r.prefix...), key...)
	v, err := pebbleGet(func(k []byte) ([]byte, func() error, error) {
		v, c, err := r.snapshot.Get(k)
		if err != nil {
			return nil, nil, err
		}
		return v, c.Close, nil
	}, full)
	log.Debug("[pebble].Get:", "key", string(key), "err", err)
	return v, err
}

func (r *PebbleRead) Iter(ctx context.Context) iter.Seq2[KeyAndValue, error] {
	if r.done {
		return func(yield func(KeyAndValue, error) bool) { yield(KeyAndValue{}, ErrClosed) }
	}
	return pebbleIter(ctx, r.prefix, r.snapshot.NewIter)
}

func (r *PebbleRead) Close() {
	if r.done {
		return
	}
	r.done = true
	r.snapshot.Close()
}
