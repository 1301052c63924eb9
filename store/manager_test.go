package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/store/memory"
)

type closingStore struct {
	store.Store
	closed bool
	err    error
}

func (c *closingStore) Close() error {
	c.closed = true
	return c.err
}

func TestManagerGet(t *testing.T) {
	mainStore := memory.New(memory.Config{})
	empty := memory.New(memory.Config{})
	m := store.NewManager(map[string]store.Store{"main": mainStore, "": empty})

	got, err := m.Get("main")
	require.NoError(t, err)
	require.Same(t, mainStore, got)

	got, err = m.Get("")
	require.NoError(t, err)
	require.Same(t, empty, got)

	require.Equal(t, []string{"", "main"}, m.Instances())
}

func TestManagerUnknownInstance(t *testing.T) {
	m := store.NewManager(map[string]store.Store{"main": memory.New(memory.Config{})})

	for _, name := range []string{"other", "", "Main", "main/"} {
		_, err := m.Get(name)
		require.ErrorIs(t, err, store.ErrStoreNotFound, name)
	}
}

func TestManagerTableIsCopied(t *testing.T) {
	table := map[string]store.Store{"main": memory.New(memory.Config{})}
	m := store.NewManager(table)

	table["late"] = memory.New(memory.Config{})
	_, err := m.Get("late")
	require.ErrorIs(t, err, store.ErrStoreNotFound)
}

func TestManagerInstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := memory.New(memory.Config{})
	b := memory.New(memory.Config{})
	m := store.NewManager(map[string]store.Store{"a": a, "b": b})

	data := []byte("tenant a only")
	d := bache.DigestOf(data)

	sa, err := m.Get("a")
	require.NoError(t, err)
	require.NoError(t, store.PutBlob(ctx, sa, d, data))

	sb, err := m.Get("b")
	require.NoError(t, err)
	ok, err := sb.Contains(ctx, d)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerClose(t *testing.T) {
	boom := errors.New("boom")
	c1 := &closingStore{Store: memory.New(memory.Config{})}
	c2 := &closingStore{Store: memory.New(memory.Config{}), err: boom}
	m := store.NewManager(map[string]store.Store{
		"one":   c1,
		"two":   c2,
		"plain": memory.New(memory.Config{}),
	})

	err := m.Close()
	require.ErrorIs(t, err, boom)
	require.True(t, c1.closed)
	require.True(t, c2.closed)
}
