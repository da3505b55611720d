package cache_test

import (
	"errors"
	"hlswall/internal/async/asynctest"
	"hlswall/internal/cache"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMap(disposed *[]string, work func(int) (string, error)) *cache.AsyncMap[int, int, string] {
	if work == nil {
		work = func(in int) (string, error) { return "v" + strconv.Itoa(in), nil }
	}
	return cache.NewAsyncMap[int, int, string](work, func(v string) {
		*disposed = append(*disposed, v)
	}, 10*time.Second)
}

func TestAsyncMap_KeyedIsolation(t *testing.T) {
	pool := &asynctest.Manual{}
	var disposed []string
	m := newMap(&disposed, nil)
	now := time.Unix(0, 0)

	assert.True(t, m.Push(pool, now, 1, 1))
	assert.True(t, m.Push(pool, now, 2, 2))
	assert.False(t, m.Push(pool, now, 1, 99), "second push for the same key is ignored")
	assert.Equal(t, 2, pool.Pending())

	// Nothing finished yet, but both keys exist.
	assert.True(t, m.Pull(1, func(string) { t.Fatal("delivered early") }, nil))

	pool.RunNext()
	var got string
	assert.True(t, m.Pull(1, func(v string) { got = v }, nil))
	assert.Equal(t, "v1", got)
	assert.False(t, m.Has(1))
	assert.True(t, m.Has(2))

	// Pull on an absent key has no effect.
	assert.False(t, m.Pull(7, func(string) { t.Fatal("absent key delivered") }, nil))
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, disposed)
}

func TestAsyncMap_PullDeliversErrors(t *testing.T) {
	boom := errors.New("boom")
	var disposed []string
	m := newMap(&disposed, func(int) (string, error) { return "", boom })

	m.Push(asynctest.Inline{}, time.Now(), 1, 1)
	var gotErr error
	assert.True(t, m.Pull(1, nil, func(err error) { gotErr = err }))
	assert.ErrorIs(t, gotErr, boom)
	assert.Zero(t, m.Len())
}

func TestAsyncMap_CleanupTimedOut(t *testing.T) {
	pool := &asynctest.Manual{}
	var disposed []string
	m := newMap(&disposed, nil)
	start := time.Unix(1000, 0)

	m.Push(pool, start, 1, 1)
	m.Push(pool, start.Add(5*time.Second), 2, 2)
	pool.RunAll()

	assert.Zero(t, m.CleanupTimedOut(pool, start.Add(9*time.Second)))
	assert.Equal(t, 1, m.CleanupTimedOut(pool, start.Add(10*time.Second)))
	pool.RunAll()

	assert.Equal(t, []string{"v1"}, disposed)
	assert.False(t, m.Has(1))
	assert.True(t, m.Has(2))
}

func TestAsyncMap_CleanupDisposesAfterCompletion(t *testing.T) {
	pool := &asynctest.Manual{}
	var disposed []string
	m := newMap(&disposed, nil)

	m.Push(pool, time.Now(), 1, 1)
	m.Push(pool, time.Now(), 2, 2)
	require.Equal(t, 2, m.Cleanup(pool))
	assert.Zero(t, m.Len())

	// The two work tasks run first, then the disposers that waited on them.
	pool.RunAll()
	assert.ElementsMatch(t, []string{"v1", "v2"}, disposed)
}

func TestAsyncMap_FailedResultsAreNotDisposed(t *testing.T) {
	var disposed []string
	m := newMap(&disposed, func(int) (string, error) { return "", errors.New("nope") })

	m.Push(asynctest.Inline{}, time.Now(), 1, 1)
	m.Cleanup(asynctest.Inline{})
	assert.Empty(t, disposed)
}
