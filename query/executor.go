package query

import (
	"context"
	"fmt"
	"time"

	"github.com/fgrzl/graphstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fgrzl/graphstore/query"

// ExecutionError reports a prepare or execute failure. It keeps the
// statement template and the number of bound parameters, never their values.
type ExecutionError struct {
	Op         string
	Stage      string
	Statement  string
	ParamCount int
	Elapsed    time.Duration
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s failed after %s with %d parameters: %v",
		e.Op, e.Stage, e.Elapsed, e.ParamCount, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrorCode implements graphstore.Coded.
func (e *ExecutionError) ErrorCode() graphstore.Code { return graphstore.CodeExecution }

// Is matches graphstore.ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	c, ok := target.(graphstore.Coded)
	return ok && c.ErrorCode() == graphstore.CodeExecution
}

// Result is a successful execution.
type Result struct {
	*ResultSet
	Elapsed time.Duration
}

// Executor prepares and runs secure queries against a Backend.
type Executor struct {
	backend Backend
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewExecutor wraps backend. A nil logger disables logging.
func NewExecutor(backend Backend, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		backend: backend,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// ExecuteSecureQuery sanitizes q's parameters, prepares the statement and
// executes it. Sanitizer rejections come back as query build errors; backend
// failures as *ExecutionError.
func (x *Executor) ExecuteSecureQuery(ctx context.Context, q SecureQuery) (*Result, error) {
	params, err := SanitizeParameters(q.Parameters)
	if err != nil {
		QueryErrorsTotal.WithLabelValues(q.Op, "sanitize").Inc()
		return nil, err
	}

	ctx, span := x.tracer.Start(ctx, "graphstore."+q.Op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphstore.op", q.Op),
			attribute.Int("graphstore.param_count", len(params)),
		))
	defer span.End()

	start := time.Now()
	fail := func(stage string, cause error) (*Result, error) {
		elapsed := time.Since(start)
		execErr := &ExecutionError{
			Op:         q.Op,
			Stage:      stage,
			Statement:  q.Statement,
			ParamCount: len(params),
			Elapsed:    elapsed,
			Err:        cause,
		}
		span.RecordError(execErr)
		span.SetStatus(otelcodes.Error, stage+" failed")
		QueryErrorsTotal.WithLabelValues(q.Op, stage).Inc()
		QueryDuration.WithLabelValues(q.Op, "error").Observe(elapsed.Seconds())
		x.logger.Debug("query failed",
			zap.String("op", q.Op),
			zap.String("stage", stage),
			zap.Int("params", len(params)),
			zap.Duration("elapsed", elapsed),
			zap.Error(cause))
		return nil, execErr
	}

	stmt, err := x.backend.Prepare(ctx, q.Statement)
	if err != nil {
		return fail("prepare", err)
	}
	defer func() {
		if cerr := stmt.Close(); cerr != nil {
			x.logger.Warn("failed to close prepared statement", zap.String("op", q.Op), zap.Error(cerr))
		}
	}()

	rs, err := x.backend.Execute(ctx, stmt, params)
	if err != nil {
		return fail("execute", err)
	}
	if rs == nil {
		rs = &ResultSet{}
	}

	elapsed := time.Since(start)
	QueryDuration.WithLabelValues(q.Op, "ok").Observe(elapsed.Seconds())
	QueryRows.WithLabelValues(q.Op).Observe(float64(len(rs.Rows)))
	span.SetAttributes(attribute.Int("graphstore.rows", len(rs.Rows)))
	x.logger.Debug("query executed",
		zap.String("op", q.Op),
		zap.Int("params", len(params)),
		zap.Int("rows", len(rs.Rows)),
		zap.Duration("elapsed", elapsed))

	return &Result{ResultSet: rs, Elapsed: elapsed}, nil
}
