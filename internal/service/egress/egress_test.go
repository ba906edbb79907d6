package egress_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/egress"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/storage/sqlite"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

type fakeChannel struct {
	calls atomic.Int64
	err   error
}

func (c *fakeChannel) Send(_ context.Context, _, _ string) (string, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return "wamid." + string(rune('A'+n-1)), nil
}

func setup(t *testing.T, ch egress.Channel) (*egress.Service, *sqlite.DB, model.Run) {
	t.Helper()
	db := testutil.NewSQLiteStore(t)
	run, err := ledger.New(db, testutil.TestLogger()).CreateRun(context.Background(), "chat")
	require.NoError(t, err)
	return egress.New(db, ch, testutil.TestLogger()), db, run
}

func TestCanonicalPayload(t *testing.T) {
	p, err := egress.CanonicalPayload(`a <b> & "c"`)
	require.NoError(t, err)
	assert.Equal(t, `{"text":{"body":"a <b> & \"c\""},"type":"text"}`, p)

	same, err := egress.CanonicalPayload(`a <b> & "c"`)
	require.NoError(t, err)
	assert.Equal(t, egress.PayloadDigest(p), egress.PayloadDigest(same))
	assert.Len(t, egress.PayloadDigest(p), 64)
}

func TestDoubleSendDeliversOnce(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	svc, db, run := setup(t, ch)

	require.NoError(t, svc.SendMessage(ctx, run.ID, "chat", "✅ Completed background task: build"))
	require.NoError(t, svc.SendMessage(ctx, run.ID, "chat", "✅ Completed background task: build"))
	assert.Equal(t, int64(1), ch.calls.Load())

	msgs, err := db.ListOutbound(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboundStatusSent, msgs[0].Status)
	require.NotNil(t, msgs[0].ExternalSendID)
	assert.Equal(t, "wamid.A", *msgs[0].ExternalSendID)
}

func TestConcurrentSendsDeliverOnce(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	svc, _, run := setup(t, ch)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.SendMessage(ctx, run.ID, "chat", "same text"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), ch.calls.Load())
}

func TestDistinctTextsBothSent(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	svc, db, run := setup(t, ch)

	require.NoError(t, svc.SendMessage(ctx, run.ID, "chat", "one"))
	require.NoError(t, svc.SendMessage(ctx, run.ID, "chat", "two"))
	assert.Equal(t, int64(2), ch.calls.Load())

	msgs, err := db.ListOutbound(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFailedDeliveryIsNotRetried(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{err: errors.New("provider down")}
	svc, db, run := setup(t, ch)

	err := svc.SendMessage(ctx, run.ID, "chat", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, egress.ErrDeliveryFailed)
	assert.ErrorContains(t, err, "provider down")

	require.NoError(t, svc.SendMessage(ctx, run.ID, "chat", "hello"))
	assert.Equal(t, int64(1), ch.calls.Load())

	msgs, err := db.ListOutbound(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboundStatusFailed, msgs[0].Status)
}

func TestLogChannel(t *testing.T) {
	id, err := egress.LogChannel{Logger: testutil.TestLogger()}.Send(context.Background(), "c", "t")
	require.NoError(t, err)
	assert.Contains(t, id, "log-")
}
