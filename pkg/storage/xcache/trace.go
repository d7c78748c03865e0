package xcache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName 追踪器名称
const tracerName = "xcache"

// Span 操作名称
const (
	spanNameGetWithLoader = "xcache.GetWithLoader"
	spanNameRefresh       = "xcache.Refresh"
)

// Span 属性名称（Metrics 也复用这些常量，确保 trace 与 metrics 键名一致）
const (
	attrCache     = "xcache.cache"
	attrResult    = "xcache.result"
	attrLayer     = "xcache.layer"
	attrRefresh   = "xcache.refresh"
	attrEmpty     = "xcache.empty_element"
	attrCoalesced = "xcache.coalesced"
)

// getTracer 获取 tracer 实例
// 如果配置了 TracerProvider 则使用它，否则使用全局默认
func getTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName, trace.WithInstrumentationVersion(instrumentationVersion))
}

func startSpan(ctx context.Context, tracer trace.Tracer, name, cache string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(attrCache, cache)),
	)
}

// endSpan 根据结果设置 span 属性与状态并结束 span。
func endSpan[K comparable, V any](span trace.Span, resp *Response[K, V], err error) {
	if resp != nil {
		span.SetAttributes(
			attribute.Bool(attrRefresh, resp.refresh),
			attribute.Bool(attrEmpty, resp.empty),
			attribute.Bool(attrCoalesced, resp.coalesced),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
