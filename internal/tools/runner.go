package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/telemetry"
)

// Defaults applied by DefaultOptions.
const (
	DefaultRetries = 2
	DefaultTimeout = 30 * time.Second
)

// Options controls one Run call.
type Options struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// DefaultOptions returns two retries, a 30s timeout and no delay.
func DefaultOptions() Options {
	return Options{Retries: DefaultRetries, Timeout: DefaultTimeout}
}

// Runner executes tools.
type Runner struct {
	perms    Permissions
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewRunner creates a Runner enforcing perms.
func NewRunner(perms Permissions, logger *slog.Logger) *Runner {
	r := &Runner{
		perms:    perms,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		tracer:   telemetry.Tracer("tsuzuki/tools"),
	}
	r.duration, _ = telemetry.Meter("tsuzuki/tools").Float64Histogram("tsuzuki.tools.duration",
		metric.WithDescription("Tool run duration including retries"),
		metric.WithUnit("ms"))
	return r
}

// Permissions returns the table the runner enforces.
func (r *Runner) Permissions() Permissions { return r.perms }

// Run checks permission, validates input, then executes the tool with
// bounded retries. Permission and validation failures are returned as
// errors. Execution failures never are: once retries are exhausted the
// failure comes back as a Result with OK false.
func (r *Runner) Run(ctx context.Context, tool Tool, input Input, tc Context, opts Options) (Result, error) {
	name := tool.Name()
	if err := r.perms.Check(tc.Role, name); err != nil {
		r.logger.Warn("tools: permission denied", "tool", name, "role", tc.Role, "run_id", tc.RunID)
		return Result{}, err
	}
	if input == nil || input.ToolName() != name {
		return Result{}, fmt.Errorf("%w: tool %q got %T", ErrInvalidInput, name, input)
	}
	if err := r.validate.Struct(input); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrInvalidInput, name, err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	ctx, span := r.tracer.Start(ctx, "tools.run", trace.WithAttributes(
		attribute.String("tool", name),
		attribute.String("role", string(tc.Role)),
		attribute.String("run_id", tc.RunID.String()),
	))
	defer span.End()

	start := time.Now()
	attempts := 0
	var (
		result  Result
		lastErr string
	)
	op := func() error {
		attempts++
		res, err := r.attempt(ctx, tool, input, tc, opts.Timeout)
		if err != nil {
			lastErr = err.Error()
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if !res.OK {
			lastErr = res.Error
			return errors.New(res.Error)
		}
		result = res
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(opts.Retries)),
		ctx,
	)
	err := backoff.Retry(op, b)

	meta := Meta{DurationMs: time.Since(start).Milliseconds(), Retries: max(attempts-1, 0)}
	span.SetAttributes(attribute.Int("attempts", attempts))
	if r.duration != nil {
		r.duration.Record(ctx, float64(meta.DurationMs), metric.WithAttributes(
			attribute.String("tool", name),
			attribute.Bool("ok", err == nil),
		))
	}
	if err != nil {
		if lastErr == "" {
			lastErr = err.Error()
		}
		msg := fmt.Sprintf("tool %s failed after %d attempts: %s", name, attempts, lastErr)
		span.SetStatus(codes.Error, msg)
		_, jobID := ctxutil.JobFromContext(ctx)
		r.logger.Warn("tools: exhausted", "tool", name, "role", tc.Role, "run_id", tc.RunID, "job_id", jobID, "attempts", attempts, "error", lastErr)
		return Result{OK: false, Error: msg, Meta: meta}, nil
	}

	result.Meta = meta
	r.logger.Debug("tools: ok", "tool", name, "run_id", tc.RunID, "attempts", attempts, "duration_ms", meta.DurationMs)
	return result, nil
}

type attemptResult struct {
	res Result
	err error
}

// attempt runs one execution under timeout. A tool that ignores its context
// is abandoned when the timeout fires; its goroutine finishes on its own.
func (r *Runner) attempt(ctx context.Context, tool Tool, input Input, tc Context, timeout time.Duration) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- attemptResult{err: fmt.Errorf("tool panic: %v", p)}
			}
		}()
		res, err := tool.Execute(actx, input, tc)
		ch <- attemptResult{res: res, err: err}
	}()

	select {
	case out := <-ch:
		failed := out.err != nil || !out.res.OK
		if failed && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, timeoutError(timeout)
		}
		return out.res, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, timeoutError(timeout)
	}
}

func timeoutError(d time.Duration) error {
	return fmt.Errorf("tool timeout after %dms", d.Milliseconds())
}
