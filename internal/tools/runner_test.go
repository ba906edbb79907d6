package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

// spyTool records executions and answers with the configured behavior.
type spyTool struct {
	name  string
	calls atomic.Int64
	fn    func(ctx context.Context, call int64) (Result, error)
}

func (s *spyTool) Name() string        { return s.name }
func (s *spyTool) Description() string { return "spy" }
func (s *spyTool) Execute(ctx context.Context, _ Input, _ Context) (Result, error) {
	n := s.calls.Add(1)
	return s.fn(ctx, n)
}

func newRunner() *Runner {
	return NewRunner(DefaultPermissions(), testutil.TestLogger())
}

func engContext() Context {
	return Context{RunID: uuid.New(), Role: model.RoleEng, StepID: uuid.New()}
}

func TestRunSucceedsFirstTry(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(context.Context, int64) (Result, error) {
		return Success("done"), nil
	}}
	res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "true"}, engContext(), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "done", res.Data)
	assert.Equal(t, 0, res.Meta.Retries)
	assert.Equal(t, int64(1), spy.calls.Load())
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(_ context.Context, n int64) (Result, error) {
		if n < 3 {
			return Fail("flaky"), nil
		}
		return Success(nil), nil
	}}
	res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "x"}, engContext(), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Meta.Retries)
	assert.Equal(t, int64(3), spy.calls.Load())
}

func TestRunFlakyToolOutlastsRetries(t *testing.T) {
	// Fails three times; two retries allow only three attempts.
	spy := &spyTool{name: NameBash, fn: func(_ context.Context, n int64) (Result, error) {
		if n <= 3 {
			return Fail("flaky"), nil
		}
		return Success("late"), nil
	}}
	opts := DefaultOptions()
	opts.Retries = 2
	res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "x"}, engContext(), opts)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Nil(t, res.Data)
	assert.Equal(t, "tool bash failed after 3 attempts: flaky", res.Error)
	assert.Equal(t, 2, res.Meta.Retries)
	assert.Equal(t, int64(3), spy.calls.Load(), "no attempt beyond the retry budget")
}

func TestRunExhaustsRetries(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		fn      func(context.Context, int64) (Result, error)
		wantErr string
	}{
		{
			name:    "ok false",
			retries: 2,
			fn:      func(context.Context, int64) (Result, error) { return Fail("nope"), nil },
			wantErr: "tool bash failed after 3 attempts: nope",
		},
		{
			name:    "go error",
			retries: 1,
			fn:      func(context.Context, int64) (Result, error) { return Result{}, errors.New("broken pipe") },
			wantErr: "tool bash failed after 2 attempts: broken pipe",
		},
		{
			name:    "no retries",
			retries: 0,
			fn:      func(context.Context, int64) (Result, error) { return Fail("once"), nil },
			wantErr: "tool bash failed after 1 attempts: once",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spyTool{name: NameBash, fn: tt.fn}
			opts := DefaultOptions()
			opts.Retries = tt.retries
			res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "x"}, engContext(), opts)
			require.NoError(t, err, "execution failures are results, not errors")
			assert.False(t, res.OK)
			assert.Equal(t, tt.wantErr, res.Error)
			assert.Equal(t, tt.retries, res.Meta.Retries)
			assert.Equal(t, int64(tt.retries+1), spy.calls.Load())
		})
	}
}

func TestRunTimeoutIsRetryable(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(ctx context.Context, n int64) (Result, error) {
		if n == 1 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Success(nil), nil
	}}
	opts := Options{Retries: 1, Timeout: 20 * time.Millisecond}
	res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "x"}, engContext(), opts)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Meta.Retries)
}

func TestRunTimeoutMessage(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	// Ignores its context; the runner must abandon it.
	spy := &spyTool{name: NameBash, fn: func(context.Context, int64) (Result, error) {
		<-release
		return Success(nil), nil
	}}
	opts := Options{Retries: 0, Timeout: 15 * time.Millisecond}
	res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "x"}, engContext(), opts)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "tool bash failed after 1 attempts: tool timeout after 15ms", res.Error)
	assert.GreaterOrEqual(t, res.Meta.DurationMs, int64(15))
}

func TestRunPanicIsFailure(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(context.Context, int64) (Result, error) { panic("kaboom") }}
	res, err := newRunner().Run(context.Background(), spy, BashInput{Command: "x"}, engContext(), Options{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "tool panic: kaboom")
}

func TestRunPermissionDeniedDoesNotExecute(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(context.Context, int64) (Result, error) { return Success(nil), nil }}
	tc := engContext()
	tc.Role = model.RolePM

	_, err := newRunner().Run(context.Background(), spy, BashInput{Command: "rm -rf /"}, tc, DefaultOptions())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, int64(0), spy.calls.Load())
}

func TestRunInvalidInputDoesNotExecute(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(context.Context, int64) (Result, error) { return Success(nil), nil }}

	_, err := newRunner().Run(context.Background(), spy, BashInput{}, engContext(), DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = newRunner().Run(context.Background(), spy, FilesInput{Operation: OpRead, Path: "x"}, engContext(), DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidInput, "wrong input variant")

	_, err = newRunner().Run(context.Background(), spy, nil, engContext(), DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, int64(0), spy.calls.Load())
}

func TestInputValidation(t *testing.T) {
	r := newRunner()
	tests := []struct {
		name  string
		input Input
		ok    bool
	}{
		{"browser ok", BrowserInput{URL: "https://example.com", Action: ActionScrape}, true},
		{"browser bad url", BrowserInput{URL: "not a url", Action: ActionScrape}, false},
		{"browser bad action", BrowserInput{URL: "https://example.com", Action: "click"}, false},
		{"mcp ok", MCPInput{Server: "s", Tool: "t"}, true},
		{"mcp missing tool", MCPInput{Server: "s"}, false},
		{"files list without path", FilesInput{Operation: OpList}, true},
		{"files read without path", FilesInput{Operation: OpRead}, false},
		{"files patch without find", FilesInput{Operation: OpPatch, Path: "a"}, false},
		{"files bad op", FilesInput{Operation: "delete", Path: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.validate.Struct(tt.input)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunHonorsCallerCancellation(t *testing.T) {
	spy := &spyTool{name: NameBash, fn: func(ctx context.Context, _ int64) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := newRunner().Run(ctx, spy, BashInput{Command: "x"}, engContext(), Options{Retries: 5, Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, int64(1), spy.calls.Load(), "a cancelled caller stops retries")
}
