package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// BoltFile is the name of the data file bolt keeps inside the store directory.
const BoltFile = "data.db"

// Bolt is the default engine: a memory-mapped B+tree with one writer and
// many concurrent readers, enforced across processes by a file lock.
type Bolt struct{}

func (Bolt) Name() string { return "bolt" }

func (Bolt) Open(path string, opts Options) (KV, error) {
	opts = opts.withDefaults()
	file := filepath.Join(path, BoltFile)

	// a shared read-only lock needs an existing file; a fresh store is
	// opened writable once so that bolt can lay out its meta pages
	readOnly := opts.ReadOnly
	if readOnly {
		if _, err := os.Stat(file); err != nil {
			readOnly = false
		}
	}

	db, err := bolt.Open(file, opts.FileMode, &bolt.Options{
		Timeout:         opts.LockTimeout,
		ReadOnly:        readOnly,
		NoSync:          opts.NoSync,
		InitialMmapSize: opts.InitialMmapSize,
	})
	if err != nil {
		log.Debug("[bolt].Open:", "path", path, "readonly", readOnly, "err", err)
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	log.Debug("[bolt].Open:", "path", path, "readonly", readOnly)

	return &Boltdb{db: db, keyspace: []byte(opts.Keyspace)}, nil
}

type Boltdb struct {
	db       *bolt.DB
	keyspace []byte
}

func (b *Boltdb) Close() error {
	return b.db.Close()
}

func (b *Boltdb) Read() (Read, error) {
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	return &BoltRead{tx: tx, keyspace: b.keyspace}, nil
}

func (b *Boltdb) Write() (Write, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("begin write: %w", err)
	}
	return &BoltWrite{BoltRead{tx: tx, keyspace: b.keyspace}}, nil
}

type BoltRead struct {
	tx       *bolt.Tx
	keyspace []byte
	done     bool
}

func (r *BoltRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	if r.done {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	b := r.tx.Bucket(r.keyspace)
	if b == nil {
		log.Debug("[bolt].Get:", "key", string(key), "err", "no keyspace")
		return nil, ErrNotFound
	}

	// seek instead of Get: Get cannot tell a missing key from an empty value
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) || v == nil {
		log.Debug("[bolt].Get:", "key", string(key), "err", "not found")
		return nil, ErrNotFound
	}

	// bolt memory is only valid for the life of the transaction
	result := make([]byte, len(v))
	copy(result, v)

	log.Debug("[bolt].Get:", "key", string(key))
	return result, nil
}

func (r *BoltRead) Iter(ctx context.Context) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		if r.done {
			yield(KeyAndValue{}, ErrClosed)
			return
		}
		b := r.tx.Bucket(r.keyspace)
		if b == nil {
			return
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				log.Debug("[bolt].Iter:", "err", err)
				yield(KeyAndValue{}, err)
				return
			}
			// nested buckets have no value
			if v == nil {
				continue
			}

			key := append([]byte(nil), k...)
			val := append([]byte{}, v...)

			log.Debug("[bolt].Iter:", "at", string(key))
			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}
	}
}

func (r *BoltRead) Close() {
	if r.done {
		return
	}
	r.done = true
	r.tx.Rollback()
}

type BoltWrite struct {
	BoltRead
}

func (w *BoltWrite) Put(key []byte, value []byte) error {
	if w.done {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	b, err := w.tx.CreateBucketIfNotExists(w.keyspace)
	if err != nil {
		return fmt.Errorf("creating keyspace: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	err = b.Put(key, value)
	log.Debug("[bolt].Put:", "key", string(key), "err", err)
	return err
}

func (w *BoltWrite) Del(key []byte) error {
	if w.done {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	b := w.tx.Bucket(w.keyspace)
	if b == nil {
		log.Debug("[bolt].Del:", "key", string(key), "err", "no keyspace")
		return ErrNotFound
	}
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) || v == nil {
		log.Debug("[bolt].Del:", "key", string(key), "err", "not found")
		return ErrNotFound
	}
	err := b.Delete(key)
	log.Debug("[bolt].Del:", "key", string(key), "err", err)
	return err
}

// Commit writes the transaction. On failure bolt has already rolled the
// transaction back, so nothing of it is visible to later readers.
func (w *BoltWrite) Commit(ctx context.Context) error {
	if w.done {
		return ErrClosed
	}
	w.done = true
	err := w.tx.Commit()
	log.Debug("[bolt].Commit:", "err", err)
	return err
}

func (w *BoltWrite) Rollback() error {
	if w.done {
		return ErrClosed
	}
	w.done = true
	return w.tx.Rollback()
}
