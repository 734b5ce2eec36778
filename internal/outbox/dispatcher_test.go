package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aminovpavel/meshbridge-go/internal/outbox"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

type sendCall struct {
	kind        string
	text        string
	destination string
	channel     int
}

type stubTransport struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

func (s *stubTransport) record(c sendCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return s.err
}

func (s *stubTransport) SendText(_ context.Context, text, destination string, channel int) error {
	return s.record(sendCall{"text", text, destination, channel})
}

func (s *stubTransport) SendDM(_ context.Context, text, destination string) error {
	return s.record(sendCall{"dm", text, destination, 0})
}

func (s *stubTransport) SendTraceroute(_ context.Context, destination string, _ int) error {
	return s.record(sendCall{"traceroute", "", destination, 0})
}

func (s *stubTransport) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

func newDispatcher(t *testing.T, store outbox.Store, tr radio.Transport) *outbox.Dispatcher {
	t.Helper()
	d, err := outbox.New(store, tr, outbox.Config{SendGap: -1, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return d
}

func TestPollOnceSendsBroadcastAndBumpsCounter(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)
	tr := &stubTransport{}

	id, err := store.AddToOutbox(ctx, "net check tonight", "^all", 0, storage.KindText)
	require.NoError(t, err)
	before, err := store.LastModified(ctx)
	require.NoError(t, err)

	n, err := newDispatcher(t, store, tr).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := store.GetOutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, entry.Status)
	assert.NotNil(t, entry.SentAt)

	sent, err := store.SentMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "net check tonight", sent[0].Text)
	assert.Equal(t, "^all", sent[0].ToID)

	after, err := store.LastModified(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	assert.Equal(t, []sendCall{{"text", "net check tonight", "^all", 0}}, tr.Calls())
}

func TestPollOnceRoutesByKindAndMarksFailures(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)

	dmID, err := store.AddToOutbox(ctx, "psst", "!aabbccdd", 0, storage.KindDM)
	require.NoError(t, err)
	trID, err := store.AddTracerouteRequest(ctx, "!11112222")
	require.NoError(t, err)

	tr := &stubTransport{}
	n, err := newDispatcher(t, store, tr).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "dm", calls[0].kind)
	assert.Equal(t, "traceroute", calls[1].kind)

	sent, err := store.SentMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, sent, 1, "traceroutes are not logged as sent messages")

	for _, id := range []int64{dmID, trID} {
		entry, err := store.GetOutboxEntry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSent, entry.Status)
	}

	failID, err := store.AddToOutbox(ctx, "hello", "^all", 1, storage.KindText)
	require.NoError(t, err)
	broken := &stubTransport{err: radio.ErrNotConnected}
	_, err = newDispatcher(t, store, broken).PollOnce(ctx)
	require.NoError(t, err)

	entry, err := store.GetOutboxEntry(ctx, failID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "not connected")

	// Failed entries are terminal.
	n, err = newDispatcher(t, store, broken).PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, broken.Calls(), 1)
}

func TestPollOnceRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)
	for i := 0; i < 7; i++ {
		_, err := store.AddToOutbox(ctx, "msg", "^all", 0, "")
		require.NoError(t, err)
	}
	tr := &stubTransport{}
	d, err := outbox.New(store, tr, outbox.Config{BatchSize: 5, SendGap: time.Millisecond})
	require.NoError(t, err)

	n, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type failingStore struct {
	outbox.Store
}

func (failingStore) PendingOutbox(context.Context, int) ([]storage.OutboxEntry, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) PurgeOutbox(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestPollErrorsAreReported(t *testing.T) {
	d := newDispatcher(t, failingStore{}, &stubTransport{})
	_, err := d.PollOnce(context.Background())
	assert.ErrorContains(t, err, "outbox: read pending")
	_, err = d.Purge(context.Background())
	assert.ErrorContains(t, err, "outbox: purge")
}

func TestRunStopsOnCancel(t *testing.T) {
	store := testutil.OpenStore(t)
	_, err := store.AddToOutbox(context.Background(), "queued", "^all", 0, storage.KindText)
	require.NoError(t, err)
	tr := &stubTransport{}
	d := newDispatcher(t, store, tr)

	// The store's pool goroutines live until cleanup.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(tr.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := outbox.New(nil, &stubTransport{}, outbox.Config{})
	assert.Error(t, err)
	_, err = outbox.New(failingStore{}, nil, outbox.Config{})
	assert.Error(t, err)

	cfg := outbox.DefaultConfig()
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.SendGap)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
}

// cancellingTransport simulates shutdown landing right after the radio
// accepted the message.
type cancellingTransport struct {
	stubTransport
	cancel context.CancelFunc
}

func (c *cancellingTransport) SendText(ctx context.Context, text, destination string, channel int) error {
	err := c.stubTransport.SendText(ctx, text, destination, channel)
	c.cancel()
	return err
}

func TestSentEntryIsRecordedWhenShutdownLandsMidSend(t *testing.T) {
	store := testutil.OpenStore(t)
	id, err := store.AddToOutbox(context.Background(), "73 all", "^all", 0, storage.KindText)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr := &cancellingTransport{cancel: cancel}
	n, err := newDispatcher(t, store, tr).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := store.GetOutboxEntry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, entry.Status)

	n, err = newDispatcher(t, store, tr).PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, tr.Calls(), 1, "a restart must not transmit the entry again")
}
