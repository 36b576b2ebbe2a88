package store

import (
	"context"
	"testing"
	"time"

	"github.com/aep/kvshim/kv"

	"github.com/stretchr/testify/require"
)

func TestPoolReusesEnvironment(t *testing.T) {
	e := newFaultEngine()
	p, err := NewPool(e, kv.DefaultOptions(), 4, time.Minute)
	require.NoError(t, err)
	a := New(e, WithPool(p))
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "s", []byte("k"), []byte("v")))
	_, err = a.Get(ctx, "s", []byte("k"))
	require.NoError(t, err)
	require.NoError(t, a.Delete(ctx, "s", []byte("k")))

	require.Equal(t, 1, e.opens)
	require.Zero(t, e.closes)
	require.False(t, e.lastOpenWasReadOnly, "pooled environments are opened for writing")
	require.Equal(t, 1, p.Len())

	p.Close()
	require.Equal(t, 1, e.closes)
	require.Zero(t, p.Len())

	_, err = a.Get(ctx, "s", []byte("k"))
	require.ErrorIs(t, err, ErrEnvironment)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolOneEnvironmentPerPath(t *testing.T) {
	e := newFaultEngine()
	p, err := NewPool(e, kv.DefaultOptions(), 4, time.Minute)
	require.NoError(t, err)
	defer p.Close()

	_, r1, err := p.Acquire("a")
	require.NoError(t, err)
	_, r2, err := p.Acquire("b")
	require.NoError(t, err)
	_, r3, err := p.Acquire("a")
	require.NoError(t, err)
	r1()
	r2()
	r3()
	r3()

	require.Equal(t, 2, e.opens)
	require.Equal(t, 2, p.Len())
}

func TestPoolEvictionWaitsForRelease(t *testing.T) {
	e := newFaultEngine()
	p, err := NewPool(e, kv.DefaultOptions(), 4, 50*time.Millisecond)
	require.NoError(t, err)
	defer p.Close()

	env, release, err := p.Acquire("s")
	require.NoError(t, err)

	// expire the entry while a transaction is running on it
	time.Sleep(200 * time.Millisecond)
	r, err := env.Read()
	require.NoError(t, err)
	r.Close()
	require.Zero(t, e.closed(), "a busy environment must stay open")

	release()
	require.Eventually(t, func() bool { return e.closed() == 1 }, 3*time.Second, 10*time.Millisecond)

	_, release, err = p.Acquire("s")
	require.NoError(t, err)
	release()
	require.Equal(t, 2, e.opens, "an evicted environment is opened again")
}

func TestPoolCloseWithBusyEnvironment(t *testing.T) {
	e := newFaultEngine()
	p, err := NewPool(e, kv.DefaultOptions(), 4, time.Minute)
	require.NoError(t, err)

	_, release, err := p.Acquire("s")
	require.NoError(t, err)

	p.Close()
	require.Zero(t, e.closes)
	release()
	require.Equal(t, 1, e.closes)

	_, _, err = p.Acquire("s")
	require.ErrorIs(t, err, ErrPoolClosed)
}
