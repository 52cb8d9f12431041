package obs

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const transitionSQL = `-- name: TransitionOrderStatus :execrows
UPDATE orders
SET status = $2
WHERE id = $1 AND status = ANY($3::text[])`

func TestDescribeQuery(t *testing.T) {
	info := describeQuery(transitionSQL)
	require.Equal(t, "TransitionOrderStatus", info.name)
	require.Equal(t, "UPDATE", info.operation)
	require.Equal(t, "orders", info.table)

	info = describeQuery("-- name: InsertOrderEvent :one\nINSERT INTO order_events (order_id) VALUES ($1)")
	require.Equal(t, "order_events", info.table)

	info = describeQuery("select 1")
	require.Empty(t, info.name)
	require.Equal(t, "SELECT", info.operation)
	require.Empty(t, info.table)
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestPGXTracerRecordsRowsAffected(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := PGXTracer{Provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))}

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: transitionSQL})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 0")})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "db TransitionOrderStatus", spans[0].Name())
	attrs := spanAttrs(spans[0])
	require.Equal(t, "orders", attrs["db.sql.table"].AsString())
	require.Equal(t, int64(0), attrs["db.rows_affected"].AsInt64())
}

func TestPGXTracerMarksErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := PGXTracer{Provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))}

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("connection reset")})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "db.query", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	_, ok := spanAttrs(spans[0])["db.rows_affected"]
	require.False(t, ok)
}
