package xcache

import (
	"maps"
	"sync"
	"time"
)

// KeyGenerator 根据请求推导实际用于查询、加锁与写入的 key。
// 可以读取 Key、LoaderParams 与 Attributes；必须是纯函数，同一请求总是得到同一 key。
type KeyGenerator[K comparable, V any] func(req *Request[K, V]) K

// Request 描述一次缓存访问。
//
// Request 构造后不可变：With* 方法返回修改后的副本，原对象不受影响。
// 唯一的例外是 Attributes，它是调用方与 getter/loader/putter 之间共享的旁路数据袋。
type Request[K comparable, V any] struct {
	key          K
	value        V
	hasValue     bool
	expireTime   time.Duration
	loaderParams map[string]any
	loader       LoadFunc[K, V]
	keyGenerator KeyGenerator[K, V]
	attributes   *Attributes
}

// NewRequest 创建一个只包含 key 的 Request。
// 通常使用 LoadingCache.NewRequest 以便自动推导类型参数。
func NewRequest[K comparable, V any](key K) *Request[K, V] {
	return &Request[K, V]{
		key:        key,
		attributes: NewAttributes(),
	}
}

// Key 返回调用方给出的原始 key。
func (r *Request[K, V]) Key() K {
	return r.key
}

// GenKey 返回有效 key：设置了 KeyGenerator 时为生成结果，否则为原始 key。
func (r *Request[K, V]) GenKey() K {
	if r.keyGenerator != nil {
		return r.keyGenerator(r)
	}
	return r.key
}

// Value 返回待写入的值。
// 只有交给 PutFunc 的 Request 才携带值，其余情况返回 (零值, false)。
func (r *Request[K, V]) Value() (V, bool) {
	return r.value, r.hasValue
}

// ExpireTime 返回本次请求的过期时间覆盖值。
// 调用方构造的 Request 上，0 表示使用缓存默认值；交给 PutFunc 的 Request 上是最终生效的 TTL。
func (r *Request[K, V]) ExpireTime() time.Duration {
	return r.expireTime
}

// LoaderParams 返回透传给 LoadFunc 的参数，可能为 nil。
func (r *Request[K, V]) LoaderParams() map[string]any {
	return r.loaderParams
}

// Loader 返回本次请求的 LoadFunc 覆盖值，可能为 nil。
func (r *Request[K, V]) Loader() LoadFunc[K, V] {
	return r.loader
}

// KeyGenerator 返回本次请求的 key 生成器，可能为 nil。
func (r *Request[K, V]) KeyGenerator() KeyGenerator[K, V] {
	return r.keyGenerator
}

// Attributes 返回旁路数据袋，永不为 nil。
func (r *Request[K, V]) Attributes() *Attributes {
	return r.attributes
}

// WithExpireTime 返回设置了过期时间覆盖值的副本。d <= 0 表示使用缓存默认值。
func (r *Request[K, V]) WithExpireTime(d time.Duration) *Request[K, V] {
	c := r.clone()
	c.expireTime = max(d, 0)
	return c
}

// WithLoaderParams 返回设置了 loader 参数的副本。params 会被浅拷贝。
func (r *Request[K, V]) WithLoaderParams(params map[string]any) *Request[K, V] {
	c := r.clone()
	c.loaderParams = maps.Clone(params)
	return c
}

// WithLoader 返回设置了 LoadFunc 覆盖值的副本，优先级高于缓存默认 loader。
func (r *Request[K, V]) WithLoader(fn LoadFunc[K, V]) *Request[K, V] {
	c := r.clone()
	c.loader = fn
	return c
}

// WithKeyGenerator 返回设置了 key 生成器的副本，优先级高于缓存级生成器。
func (r *Request[K, V]) WithKeyGenerator(fn KeyGenerator[K, V]) *Request[K, V] {
	c := r.clone()
	c.keyGenerator = fn
	return c
}

// WithAttributes 返回使用指定数据袋的副本。attrs 为 nil 时创建新的空数据袋。
func (r *Request[K, V]) WithAttributes(attrs *Attributes) *Request[K, V] {
	c := r.clone()
	if attrs == nil {
		attrs = NewAttributes()
	}
	c.attributes = attrs
	return c
}

// hasOverrides 报告请求是否覆盖了 loader 或 TTL。
func (r *Request[K, V]) hasOverrides() bool {
	return r.loader != nil || r.expireTime > 0
}

func (r *Request[K, V]) clone() *Request[K, V] {
	c := *r
	return &c
}

// withDefaultKeyGenerator 在请求未指定生成器时使用缓存级生成器。
func (r *Request[K, V]) withDefaultKeyGenerator(gen KeyGenerator[K, V]) *Request[K, V] {
	if r.keyGenerator != nil || gen == nil {
		return r
	}
	return r.WithKeyGenerator(gen)
}

// resolved 返回携带最终值与 TTL 的副本，交给 PutFunc 使用。
func (r *Request[K, V]) resolved(value V, ttl time.Duration) *Request[K, V] {
	c := r.clone()
	c.value = value
	c.hasValue = true
	c.expireTime = ttl
	return c
}

// Attributes 是并发安全的旁路数据袋，供 getter、loader、putter 与调用方交换附加信息。
type Attributes struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewAttributes 创建空数据袋。
func NewAttributes() *Attributes {
	return &Attributes{m: make(map[string]any)}
}

// Set 写入一个属性。
func (a *Attributes) Set(key string, value any) {
	a.mu.Lock()
	a.m[key] = value
	a.mu.Unlock()
}

// Get 读取一个属性。
func (a *Attributes) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.m[key]
	return v, ok
}

// Range 遍历所有属性的快照，fn 返回 false 时停止。
func (a *Attributes) Range(fn func(key string, value any) bool) {
	a.mu.RLock()
	snapshot := maps.Clone(a.m)
	a.mu.RUnlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Len 返回属性数量。
func (a *Attributes) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.m)
}
