package ingress_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/ingress"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/storage/sqlite"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

type countingProcessor struct {
	calls atomic.Int64
	err   error
	block chan struct{}
}

func (p *countingProcessor) Process(ctx context.Context, _ model.Run, _ model.InboundMessage) error {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func setup(t *testing.T, p ingress.Processor) (*ingress.Service, *sqlite.DB, *ledger.Ledger) {
	t.Helper()
	db := testutil.NewSQLiteStore(t)
	l := ledger.New(db, testutil.TestLogger())
	return ingress.New(db, l, p, testutil.TestLogger()), db, l
}

func drain(t *testing.T, svc *ingress.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(ctx))
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	svc, db, _ := setup(t, proc)

	msg := model.InboundMessage{MessageID: "m1", ChatID: "c1", Text: "hello"}
	require.NoError(t, svc.HandleIncomingMessage(ctx, msg))
	require.NoError(t, svc.HandleIncomingMessage(ctx, msg))
	drain(t, svc)

	assert.Equal(t, int64(1), proc.calls.Load())
	runs, err := db.ListRunsByThread(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	ev, err := db.GetInbound(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatusProcessed, ev.Status)
	require.NotNil(t, ev.RunID)
	assert.Equal(t, runs[0].ID, *ev.RunID)
}

func TestConcurrentRedeliveryCreatesOneRun(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	svc, db, _ := setup(t, proc)

	msg := model.InboundMessage{MessageID: "m-race", ChatID: "c-race", Text: "hi"}
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.HandleIncomingMessage(ctx, msg))
		}()
	}
	wg.Wait()
	drain(t, svc)

	assert.Equal(t, int64(1), proc.calls.Load())
	runs, err := db.ListRunsByThread(ctx, "c-race")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSameMessageIDDifferentChats(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	svc, _, _ := setup(t, proc)

	require.NoError(t, svc.HandleIncomingMessage(ctx, model.InboundMessage{MessageID: "m", ChatID: "a"}))
	require.NoError(t, svc.HandleIncomingMessage(ctx, model.InboundMessage{MessageID: "m", ChatID: "b"}))
	drain(t, svc)
	assert.Equal(t, int64(2), proc.calls.Load())
}

func TestProcessingFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{err: errors.New("boom")}
	svc, db, l := setup(t, proc)

	require.NoError(t, svc.HandleIncomingMessage(ctx, model.InboundMessage{MessageID: "m1", ChatID: "c1"}))
	drain(t, svc)

	ev, err := db.GetInbound(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatusFailed, ev.Status)

	run, err := l.LoadRun(ctx, *ev.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, run.State)
}

func TestProcessorPanicIsContained(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := setup(t, ingress.ProcessorFunc(func(context.Context, model.Run, model.InboundMessage) error {
		panic("processor exploded")
	}))

	require.NoError(t, svc.HandleIncomingMessage(ctx, model.InboundMessage{MessageID: "m1", ChatID: "c1"}))
	drain(t, svc)

	ev, err := db.GetInbound(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatusFailed, ev.Status)
}

func TestInvalidMessageRejected(t *testing.T) {
	svc, _, _ := setup(t, &countingProcessor{})
	err := svc.HandleIncomingMessage(context.Background(), model.InboundMessage{ChatID: "c1"})
	assert.ErrorIs(t, err, ingress.ErrInvalidMessage)
	err = svc.HandleIncomingMessage(context.Background(), model.InboundMessage{MessageID: "m1"})
	assert.ErrorIs(t, err, ingress.ErrInvalidMessage)
}

func TestDrainCancelsOnTimeout(t *testing.T) {
	proc := &countingProcessor{block: make(chan struct{})}
	svc, _, _ := setup(t, proc)

	require.NoError(t, svc.HandleIncomingMessage(context.Background(), model.InboundMessage{MessageID: "m1", ChatID: "c1"}))
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Drain(ctx), context.DeadlineExceeded)

	err := svc.HandleIncomingMessage(context.Background(), model.InboundMessage{MessageID: "m2", ChatID: "c1"})
	assert.ErrorIs(t, err, ingress.ErrDraining)
	assert.Eventually(t, func() bool { return svc.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}
