package xcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// 编解码
// =============================================================================

// Codec 定义值与字节之间的编解码。
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec 使用 encoding/json 编解码，RedisStore 的默认 Codec。
type JSONCodec[V any] struct{}

// Marshal 实现 Codec。
func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal 实现 Codec。
func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// =============================================================================
// RedisStore
// =============================================================================

// RedisStore 是基于 Redis 字符串的 Store：Get 对应 GET，Put 对应 SET EX。
type RedisStore[K comparable, V any] struct {
	client  redis.UniversalClient
	options *redisOptions[K, V]
	closed  atomic.Bool
}

type redisOptions[K comparable, V any] struct {
	keyPrefix string
	formatKey func(K) string
	codec     Codec[V]
}

// RedisOption 定义配置 RedisStore 的函数类型。
type RedisOption[K comparable, V any] func(*redisOptions[K, V])

func defaultRedisOptions[K comparable, V any]() *redisOptions[K, V] {
	return &redisOptions[K, V]{
		formatKey: func(k K) string { return fmt.Sprint(k) },
		codec:     JSONCodec[V]{},
	}
}

// WithKeyPrefix 设置 Redis key 前缀，最终 key 为 "{prefix}{formatKey(key)}"。
func WithKeyPrefix[K comparable, V any](prefix string) RedisOption[K, V] {
	return func(o *redisOptions[K, V]) {
		o.keyPrefix = prefix
	}
}

// WithKeyFormatter 设置 key 到字符串的转换函数。默认使用 fmt.Sprint。
// fn 为 nil 时忽略。
func WithKeyFormatter[K comparable, V any](fn func(K) string) RedisOption[K, V] {
	return func(o *redisOptions[K, V]) {
		if fn != nil {
			o.formatKey = fn
		}
	}
}

// WithCodec 设置值的编解码器。默认为 JSONCodec。
// codec 为 nil 时忽略。
func WithCodec[K comparable, V any](codec Codec[V]) RedisOption[K, V] {
	return func(o *redisOptions[K, V]) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// NewRedisStore 创建 Redis 存储。
// client 必须是已初始化的 redis.UniversalClient。
func NewRedisStore[K comparable, V any](client redis.UniversalClient, opts ...RedisOption[K, V]) (*RedisStore[K, V], error) {
	if client == nil {
		return nil, ErrNilClient
	}

	options := defaultRedisOptions[K, V]()
	for _, opt := range opts {
		opt(options)
	}
	return &RedisStore[K, V]{client: client, options: options}, nil
}

// Get 查询 key，不存在返回 ErrNotFound。
func (s *RedisStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	if s.closed.Load() {
		return zero, ErrClosed
	}
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	v, err := s.options.codec.Unmarshal(data)
	if err != nil {
		return zero, fmt.Errorf("xcache: decode %q: %w", s.redisKey(key), err)
	}
	return v, nil
}

// Put 写入 key，ttl <= 0 表示不过期。
func (s *RedisStore[K, V]) Put(ctx context.Context, key K, value V, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := s.options.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("xcache: encode %q: %w", s.redisKey(key), err)
	}
	return s.client.Set(ctx, s.redisKey(key), data, max(ttl, 0)).Err()
}

// Delete 删除 key。
func (s *RedisStore[K, V]) Delete(ctx context.Context, key K) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// Client 返回底层的 redis.UniversalClient。
func (s *RedisStore[K, V]) Client() redis.UniversalClient {
	return s.client
}

// Close 关闭存储及底层连接。重复调用返回 ErrClosed。
func (s *RedisStore[K, V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.client.Close()
}

func (s *RedisStore[K, V]) redisKey(key K) string {
	return s.options.keyPrefix + s.options.formatKey(key)
}
