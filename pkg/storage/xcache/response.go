package xcache

// Response 描述一次 GetWithLoader / Refresh 的结果。
type Response[K comparable, V any] struct {
	value     V
	hasValue  bool
	refresh   bool
	empty     bool
	coalesced bool
	request   *Request[K, V]
}

// Value 返回结果值。
// 未命中、loader 加载不到数据且未开启空值缓存时返回 (零值, false)。
func (r *Response[K, V]) Value() (V, bool) {
	return r.value, r.hasValue
}

// IsRefresh 报告本次调用是否执行了加载并写入缓存。
// 直接命中缓存，或加载不到数据且未写入空值时为 false。
func (r *Response[K, V]) IsRefresh() bool {
	return r.refresh
}

// IsEmptyElement 报告结果是否为本次加载写入的空值占位。
// 命中缓存中已有的空值占位时为 false，调用方需自行比较。
func (r *Response[K, V]) IsEmptyElement() bool {
	return r.empty
}

// IsCoalesced 报告结果是否复用了同一 key 上并发加载的结果（本次调用未执行 loader）。
func (r *Response[K, V]) IsCoalesced() bool {
	return r.coalesced
}

// Request 返回产生此结果的请求，即调用方传入的请求（已补全缓存级 key 生成器）。
// 它不携带加载到的值；交给 putter 的副本见 PutFunc。
func (r *Response[K, V]) Request() *Request[K, V] {
	return r.request
}

// coalescedFor 返回复用本结果的副本，归属于 req。
func (r *Response[K, V]) coalescedFor(req *Request[K, V]) *Response[K, V] {
	return &Response[K, V]{
		value:     r.value,
		hasValue:  r.hasValue,
		empty:     r.empty,
		coalesced: true,
		request:   req,
	}
}

// Result 是 GetWithLoaderAsync 投递的结果。
type Result[K comparable, V any] struct {
	Response *Response[K, V]
	Err      error
}
