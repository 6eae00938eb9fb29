package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LedgerSpan 为一次链上调用创建 client span
func LedgerSpan(ctx context.Context, method string, contract string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ledger."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "ethereum"),
			attribute.String("rpc.method", method),
			attribute.String("ledger.contract", contract),
		),
	)
}

// EndSpan 按 err 设置状态并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
