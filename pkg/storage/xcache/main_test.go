package xcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-redis 连接池拨号与 maintnotifications 的后台 goroutine 在 Close 后可能短暂残留。
		// tryDial 重试时停在 time.Sleep，按调用栈中任一帧匹配。
		goleak.IgnoreAnyFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).tryDial"),
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/maintnotifications.(*CircuitBreakerManager).cleanupLoop"),
	)
}

// =============================================================================
// 测试辅助
// =============================================================================

// newTestRedis 启动 miniredis 并返回连接它的客户端。
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// testConfig 返回测试用配置。
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.ExpireTime = time.Minute
	return cfg
}

// mapStore 是测试用的 map 存储，记录每次写入。
type mapStore[K comparable, V any] struct {
	mu   sync.Mutex
	data map[K]V
	puts []*Request[K, V]
}

func newMapStore[K comparable, V any]() *mapStore[K, V] {
	return &mapStore[K, V]{data: make(map[K]V)}
}

func (s *mapStore[K, V]) get(_ context.Context, req *Request[K, V]) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[req.GenKey()]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

func (s *mapStore[K, V]) put(_ context.Context, req *Request[K, V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := req.Value()
	s.data[req.GenKey()] = v
	s.puts = append(s.puts, req)
	return nil
}

func (s *mapStore[K, V]) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *mapStore[K, V]) lastPut() *Request[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.puts) == 0 {
		return nil
	}
	return s.puts[len(s.puts)-1]
}

func (s *mapStore[K, V]) has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// newTestCache 创建使用 mapStore 的 LoadingCache，并在测试结束时关闭。
func newTestCache[V any](
	t *testing.T,
	cfg Config,
	store *mapStore[string, V],
	loader LoadFunc[string, V],
	opts ...Option[string, V],
) *LoadingCache[string, V] {
	t.Helper()
	c, err := New(cfg, store.get, loader, store.put, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
