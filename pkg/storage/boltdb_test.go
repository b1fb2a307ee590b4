package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltStorePutGetDelete(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("queues", "q1", []byte("payload")))

	v, err := store.Get("queues", "q1")
	require.NoError(t, err)
	require.Equal(t, "payload", string(v))

	require.NoError(t, store.Delete("queues", "q1"))
	v, err = store.Get("queues", "q1")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestBoltStoreGetMissingBucketReturnsNil(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	v, err := store.Get("does-not-exist", "k")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestBoltStoreForEachIteratesInKeyOrder(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put("events", fmt.Sprintf("%010d", i), []byte(fmt.Sprintf("v%d", i))))
	}

	var seen []string
	require.NoError(t, store.ForEach("events", func(key string, value []byte) error {
		seen = append(seen, string(value))
		return nil
	}))
	require.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, seen)
}

func TestBoltStoreForEachRangeRespectsBounds(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Put("events", fmt.Sprintf("%010d", i), []byte(fmt.Sprintf("v%d", i))))
	}

	var seen []string
	require.NoError(t, store.ForEachRange("events", fmt.Sprintf("%010d", 3), fmt.Sprintf("%010d", 6), func(key string, value []byte) error {
		seen = append(seen, string(value))
		return nil
	}))
	require.Equal(t, []string{"v3", "v4", "v5"}, seen)
}
