package dialback

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-s2s/pkg/domain"
)

const tracerName = "github.com/polisai/polis-s2s/pkg/dialback"

func startSpan(ctx context.Context, name, role string, pair domain.DomainPair) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(
			attribute.String("s2s.role", role),
			attribute.String("s2s.local_domain", pair.Local),
			attribute.String("s2s.remote_domain", pair.Remote),
		),
	)
}

// endSpan records result on span and ends it. Any outcome other than
// valid marks the span as an error.
func endSpan(span trace.Span, result domain.VerifyResult, err error) {
	span.SetAttributes(attribute.String("s2s.result", result.String()))
	if err != nil {
		span.RecordError(err)
	}
	if result == domain.VerifyValid {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, result.String())
	}
	span.End()
}
