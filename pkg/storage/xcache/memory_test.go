package xcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore[K MemoryKey, V any](t *testing.T, opts ...MemoryOption) *MemoryStore[K, V] {
	t.Helper()
	store, err := NewMemoryStore[K, V](opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMemoryStore_GetPutDelete(t *testing.T) {
	store := newTestMemoryStore[string, int](t)
	ctx := context.Background()

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "k", 42, time.Minute))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TTL(t *testing.T) {
	store := newTestMemoryStore[int64, string](t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, 1, "short", 50*time.Millisecond))
	require.NoError(t, store.Put(ctx, 2, "forever", 0))

	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, 1)
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)

	v, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "forever", v)
}

func TestMemoryStore_Stats(t *testing.T) {
	store := newTestMemoryStore[string, int](t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", 1, time.Minute))
	_, _ = store.Get(ctx, "a")
	_, _ = store.Get(ctx, "a")
	_, _ = store.Get(ctx, "missing")

	stats := store.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.001)
	assert.Equal(t, uint64(1), stats.KeysAdded)
}

func TestMemoryStore_Options(t *testing.T) {
	store := newTestMemoryStore[string, int](t,
		WithMemoryNumCounters(1000),
		WithMemoryMaxCost(100),
		WithMemoryBufferItems(0), // 忽略
	)
	assert.Equal(t, int64(100), store.Client().MaxCost())
}

func TestMemoryStore_MaxCostIsEntryCount(t *testing.T) {
	// Given: 容量 100 的内存存储
	store := newTestMemoryStore[string, int](t, WithMemoryMaxCost(100))
	ctx := context.Background()

	// When: 写入 50 个条目
	for i := range 50 {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("k%d", i), i, time.Minute))
	}

	// Then: 全部可读回
	for i := range 50 {
		v, err := store.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err, "k%d", i)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, uint64(50), store.Stats().KeysAdded)
}

func TestMemoryStore_RejectedWriteReported(t *testing.T) {
	// Given: 未忽略内部开销的 client，单个条目的开销超过 MaxCost
	client, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 100, MaxCost: 10, BufferItems: 64, Metrics: true,
	})
	require.NoError(t, err)
	defer client.Close()
	store, err := NewMemoryStoreFromClient(client)
	require.NoError(t, err)

	// When / Then: 写入被丢弃时 Put 报错而不是静默成功
	assert.ErrorIs(t, store.Put(context.Background(), "k", 1, time.Minute), ErrStoreRejected)
	_, err = store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Close(t *testing.T) {
	store, err := NewMemoryStore[string, int]()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Close(), ErrClosed)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put(ctx, "k", 1, 0), ErrClosed)
	assert.ErrorIs(t, store.Delete(ctx, "k"), ErrClosed)
	assert.Equal(t, MemoryStats{}, store.Stats())
}

func TestNewMemoryStoreFromClient(t *testing.T) {
	_, err := NewMemoryStoreFromClient[string, int](nil)
	assert.ErrorIs(t, err, ErrNilClient)

	noMetrics, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 100, MaxCost: 10, BufferItems: 64,
	})
	require.NoError(t, err)
	defer noMetrics.Close()
	_, err = NewMemoryStoreFromClient(noMetrics)
	assert.ErrorIs(t, err, ErrMetricsDisabled)

	client, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 100, MaxCost: 10, BufferItems: 64, Metrics: true, IgnoreInternalCost: true,
	})
	require.NoError(t, err)
	defer client.Close()

	store, err := NewMemoryStoreFromClient(client)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "k", 1, 0))

	// Close 不关闭外部传入的 client
	require.NoError(t, store.Close())
	v, ok := client.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestLoadingCache_WithMemoryStore(t *testing.T) {
	// Given
	store := newTestMemoryStore[string, string](t)
	var calls atomic.Int32
	loader := func(_ context.Context, req *Request[string, string]) (string, error) {
		calls.Add(1)
		return "user:" + req.GenKey(), nil
	}
	c, err := NewFromStore[string, string](testConfig(), store, loader)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	// When
	v1, ok1 := c.GetWithLoader(ctx, "42", nil)
	v2, ok2 := c.GetWithLoader(ctx, "42", nil)

	// Then
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "user:42", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := store.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "user:42", stored)
}
