package database

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/celebrum-fetcher/internal/database"

// TracedPool wraps a DatabasePool and records a span per statement.
// Statements slower than SlowQuery are logged at warn level.
type TracedPool struct {
	pool      DatabasePool
	tracer    trace.Tracer
	logger    *logrus.Logger
	SlowQuery time.Duration
}

// NewTracedPool wraps pool using the global tracer provider.
func NewTracedPool(pool DatabasePool, logger *logrus.Logger) *TracedPool {
	return &TracedPool{
		pool:      pool,
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
		SlowQuery: 500 * time.Millisecond,
	}
}

func (p *TracedPool) start(ctx context.Context, op, sql string) (context.Context, trace.Span, time.Time) {
	ctx, span := p.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", op),
			attribute.String("db.statement", compactSQL(sql)),
		),
	)
	return ctx, span, time.Now()
}

func (p *TracedPool) finish(span trace.Span, started time.Time, sql string, err error) {
	elapsed := time.Since(started)
	if err != nil && err != pgx.ErrNoRows {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if p.logger != nil && p.SlowQuery > 0 && elapsed > p.SlowQuery {
		p.logger.WithFields(logrus.Fields{
			"duration_ms": elapsed.Milliseconds(),
			"statement":   compactSQL(sql),
		}).Warn("Slow database statement")
	}
}

// Query executes a query that returns rows.
func (p *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span, started := p.start(ctx, "query", sql)
	rows, err := p.pool.Query(ctx, sql, args...)
	p.finish(span, started, sql, err)
	return rows, err
}

// QueryRow executes a query returning at most one row. The span covers
// sending the query only; scan errors surface to the caller.
func (p *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span, started := p.start(ctx, "query_row", sql)
	row := p.pool.QueryRow(ctx, sql, args...)
	p.finish(span, started, sql, nil)
	return row
}

// Exec executes a statement without returning rows.
func (p *TracedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span, started := p.start(ctx, "exec", sql)
	tag, err := p.pool.Exec(ctx, sql, args...)
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	p.finish(span, started, sql, err)
	return tag, err
}

// Begin starts a transaction whose statements are traced as well.
func (p *TracedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span, started := p.start(ctx, "begin", "BEGIN")
	tx, err := p.pool.Begin(ctx)
	p.finish(span, started, "BEGIN", err)
	if err != nil {
		return nil, err
	}
	return &TracedTx{Tx: tx, pool: p}, nil
}

// Ping forwards to the wrapped pool when it supports it.
func (p *TracedPool) Ping(ctx context.Context) error {
	if pinger, ok := p.pool.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// TracedTx records spans for statements run inside a transaction.
type TracedTx struct {
	pgx.Tx
	pool *TracedPool
}

func (tx *TracedTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span, started := tx.pool.start(ctx, "tx.query", sql)
	rows, err := tx.Tx.Query(ctx, sql, args...)
	tx.pool.finish(span, started, sql, err)
	return rows, err
}

func (tx *TracedTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span, started := tx.pool.start(ctx, "tx.exec", sql)
	tag, err := tx.Tx.Exec(ctx, sql, args...)
	tx.pool.finish(span, started, sql, err)
	return tag, err
}

func (tx *TracedTx) Commit(ctx context.Context) error {
	ctx, span, started := tx.pool.start(ctx, "commit", "COMMIT")
	err := tx.Tx.Commit(ctx)
	tx.pool.finish(span, started, "COMMIT", err)
	return err
}

func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
