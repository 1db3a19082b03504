package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: resource names, action types,
// operation names and statuses. URIs, cache keys and file paths belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with component and operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentInit instruments the one-time construction of a shared resource
// such as the content cache or the download coordinator.
func (t *Telemetry) InstrumentInit(ctx context.Context, resourceName string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "init_"+resourceName, "provider", fn)

	t.RecordInit(ctx, resourceName, statusOf(err), time.Since(start))

	if err != nil {
		t.RecordSystemError(ctx, "provider", "init_"+resourceName)
	}

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentDownload instruments a single download task run, retries included.
func (t *Telemetry) InstrumentDownload(ctx context.Context, actionType string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.AddActiveDownloads(ctx, 1)
	defer t.AddActiveDownloads(ctx, -1)

	err := t.InstrumentOperation(ctx, "download", "download_manager", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "download_"+actionType)
		defer span.End()

		span.SetAttributes(attribute.String("download.type", actionType))

		return fn(ctx)
	})

	t.RecordDownload(ctx, actionType, statusOf(err), time.Since(start))

	return err
}
