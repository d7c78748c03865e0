package xcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationVersion OTel instrumentation 版本号
const instrumentationVersion = "1.0.0"

const (
	// metricNameGetTotal 缓存查询次数计数器
	metricNameGetTotal = "xcache.get.total"
	// metricNameLoadTotal 加载次数计数器
	metricNameLoadTotal = "xcache.load.total"
	// metricNameLoadDuration 加载耗时直方图
	metricNameLoadDuration = "xcache.load.duration"
	// metricNameLockTimeoutTotal 准入超时次数计数器
	metricNameLockTimeoutTotal = "xcache.lock.timeout.total"
	// metricNameLoaderInflight 正在执行的加载数
	metricNameLoaderInflight = "xcache.loader.inflight"
)

// 查询结果标签值
const (
	getResultHit     = "hit"
	getResultMiss    = "miss"
	getResultError   = "error"
	getResultTimeout = "timeout"
)

// 加载结果标签值
const (
	loadResultValue       = "value"
	loadResultEmpty       = "empty"
	loadResultAbsent      = "absent"
	loadResultError       = "error"
	loadResultPanic       = "panic"
	loadResultUnavailable = "unavailable"
	loadResultCoalesced   = "coalesced"
)

// 准入层标签值
const (
	layerCache = "cache"
	layerKey   = "key"
)

// Metrics LoadingCache 指标收集器。
// nil *Metrics 的所有方法都是空操作。
type Metrics struct {
	meter            metric.Meter
	getTotal         metric.Int64Counter
	loadTotal        metric.Int64Counter
	loadDuration     metric.Float64Histogram
	lockTimeoutTotal metric.Int64Counter
	loaderInflight   metric.Int64UpDownCounter
}

// NewMetrics 创建指标收集器。
// 如果 meterProvider 为 nil，返回 nil（不收集指标）。
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}

	m := &Metrics{
		meter: meterProvider.Meter("xcache",
			metric.WithInstrumentationVersion(instrumentationVersion),
		),
	}

	var err error
	if m.getTotal, err = m.meter.Int64Counter(metricNameGetTotal,
		metric.WithDescription("缓存查询次数"), metric.WithUnit("{get}")); err != nil {
		return nil, err
	}
	if m.loadTotal, err = m.meter.Int64Counter(metricNameLoadTotal,
		metric.WithDescription("缓存加载次数"), metric.WithUnit("{load}")); err != nil {
		return nil, err
	}
	if m.loadDuration, err = m.meter.Float64Histogram(metricNameLoadDuration,
		metric.WithDescription("缓存加载耗时"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.lockTimeoutTotal, err = m.meter.Int64Counter(metricNameLockTimeoutTotal,
		metric.WithDescription("准入等待超时次数"), metric.WithUnit("{timeout}")); err != nil {
		return nil, err
	}
	if m.loaderInflight, err = m.meter.Int64UpDownCounter(metricNameLoaderInflight,
		metric.WithDescription("正在执行的加载数"), metric.WithUnit("{load}")); err != nil {
		return nil, err
	}
	return m, nil
}

// durationBuckets 加载耗时直方图的桶边界
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60}

// RecordGet 记录一次缓存查询结果。
func (m *Metrics) RecordGet(ctx context.Context, cache, result string) {
	if m == nil {
		return
	}
	// 使用 context.WithoutCancel 确保即使 ctx 被取消，指标仍能记录
	m.getTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String(attrCache, cache),
		attribute.String(attrResult, result),
	))
}

// RecordLoad 记录一次加载结果。coalesced 等未执行 loader 的结果不记录耗时。
func (m *Metrics) RecordLoad(ctx context.Context, cache, result string, duration time.Duration) {
	if m == nil {
		return
	}
	metricsCtx := context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String(attrCache, cache),
		attribute.String(attrResult, result),
	)
	m.loadTotal.Add(metricsCtx, 1, attrs)
	if result != loadResultCoalesced {
		m.loadDuration.Record(metricsCtx, duration.Seconds(), attrs)
	}
}

// RecordLockTimeout 记录一次准入超时，layer 为 "cache" 或 "key"。
func (m *Metrics) RecordLockTimeout(ctx context.Context, cache, layer string) {
	if m == nil {
		return
	}
	m.lockTimeoutTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String(attrCache, cache),
		attribute.String(attrLayer, layer),
	))
}

// AddInflight 调整正在执行的加载数。
func (m *Metrics) AddInflight(ctx context.Context, cache string, delta int64) {
	if m == nil {
		return
	}
	m.loaderInflight.Add(context.WithoutCancel(ctx), delta, metric.WithAttributes(
		attribute.String(attrCache, cache),
	))
}
