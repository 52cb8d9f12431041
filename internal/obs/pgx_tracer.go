package obs

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type pgxSpanKey struct{}

var (
	queryNamePattern = regexp.MustCompile(`^--\s*name:\s*(\w+)`)
	checkoutTables   = regexp.MustCompile(`\b(order_events|webhook_logs|orders)\b`)
)

// PGXTracer opens a span per statement. Statements with a "-- name:" header
// are named after the query and tagged with the checkout table they touch.
// Affected rows are recorded, so a conditional transition that matched
// nothing is visible as db.rows_affected=0.
type PGXTracer struct {
	// Provider defaults to the global tracer provider.
	Provider trace.TracerProvider
}

func (t PGXTracer) tracer() trace.Tracer {
	if t.Provider != nil {
		return t.Provider.Tracer("bundle-checkout/db")
	}
	return otel.Tracer("bundle-checkout/db")
}

func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := describeQuery(data.SQL)
	spanName := "db.query"
	if q.name != "" {
		spanName = "db " + q.name
	}
	ctx, span := t.tracer().Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", truncateSQL(data.SQL)),
	)
	if q.operation != "" {
		span.SetAttributes(attribute.String("db.operation", q.operation))
	}
	if q.table != "" {
		span.SetAttributes(attribute.String("db.sql.table", q.table))
	}
	if q.name != "" {
		span.SetAttributes(attribute.String("checkout.query", q.name))
	}
	return context.WithValue(ctx, pgxSpanKey{}, span)
}

func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(pgxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

type queryInfo struct {
	name      string
	operation string
	table     string
}

func describeQuery(sql string) queryInfo {
	var info queryInfo
	trimmed := strings.TrimSpace(sql)
	if m := queryNamePattern.FindStringSubmatch(trimmed); m != nil {
		info.name = m[1]
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		info.operation = strings.ToUpper(strings.Fields(line)[0])
		break
	}
	if m := checkoutTables.FindStringSubmatch(strings.ToLower(trimmed)); m != nil {
		info.table = m[1]
	}
	return info
}

func truncateSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) > 300 {
		return trimmed[:300] + "..."
	}
	return trimmed
}
