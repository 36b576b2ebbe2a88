package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/lmittmann/tint"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrLocked   = errors.New("store is locked by another writer")
	ErrClosed   = errors.New("transaction already closed")
	ErrEmptyKey = errors.New("key must not be empty")
)

var logLevel = new(slog.LevelVar)

var log = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))

// SetLogLevel changes the level of the engine debug log.
func SetLogLevel(l slog.Level) {
	logLevel.Set(l)
}

type KeyAndValue struct {
	K []byte
	V []byte
}

// Options control how an environment is opened.
type Options struct {
	// ReadOnly is an open intent. Engines that support shared read locks
	// use it to let several reader processes in at once.
	ReadOnly bool

	// LockTimeout bounds the wait for another process's file lock.
	LockTimeout time.Duration

	Keyspace        string
	FileMode        os.FileMode
	NoSync          bool
	InitialMmapSize int
}

func DefaultOptions() Options {
	return Options{
		LockTimeout: time.Second,
		Keyspace:    "default",
		FileMode:    0664,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Keyspace == "" {
		o.Keyspace = d.Keyspace
	}
	if o.FileMode == 0 {
		o.FileMode = d.FileMode
	}
	return o
}

// Engine opens environments for a store directory.
type Engine interface {
	Name() string
	Open(path string, opts Options) (KV, error)
}

// KV is one open environment.
type KV interface {
	Read() (Read, error)
	Write() (Write, error)
	Close() error
}

type Read interface {
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Iter walks every record of the keyspace in key order. The cursor
	// lives as long as the range loop over the returned sequence.
	Iter(ctx context.Context) iter.Seq2[KeyAndValue, error]

	// Close ends the transaction without committing. Safe to call twice.
	Close()
}

type Write interface {
	Read
	Put(key []byte, value []byte) error
	Del(key []byte) error
	Commit(ctx context.Context) error
	Rollback() error
}

var engines = map[string]Engine{}

// Register makes an engine available to Lookup.
func Register(e Engine) {
	engines[e.Name()] = e
}

func Lookup(name string) (Engine, error) {
	e, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (have %v)", name, Engines())
	}
	return e, nil
}

func Engines() []string {
	var names []string
	for n := range engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Bolt{})
	Register(Pebble{})
}
