package replay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/bridge"
	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

func seedSource(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "source.db")
	source, err := storage.Open(ctx, storage.Config{Path: path})
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	packets := []decode.Packet{
		testutil.TextPacket("!aabbccdd", decode.BroadcastAlias, "first", 3, 2, at),
		testutil.PositionPacket("!aabbccdd", 30.27, -97.74, at.Add(time.Minute)),
		testutil.TextPacket("!11223344", decode.BroadcastAlias, "second", 3, 3, at.Add(2*time.Minute)),
	}
	for _, pkt := range packets {
		_, err := source.SaveRawPacket(ctx, pkt)
		require.NoError(t, err)
	}
	require.NoError(t, source.Close())
	return path
}

func TestReplaySQLite(t *testing.T) {
	ctx := context.Background()
	sourcePath := seedSource(t)

	target := testutil.OpenStore(t)
	b, err := bridge.New(bridge.Config{}, bridge.Deps{Store: target, LLM: llm.Echo{}})
	require.NoError(t, err)

	res, err := ReplaySQLite(ctx, sourcePath, b, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 3}, res)

	stats, err := target.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalPackets)

	msgs, err := target.ListMessages(ctx, storage.MessageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Text)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 2, 0, 0, time.UTC), msgs[0].Timestamp.UTC().Truncate(time.Second))

	node, err := target.GetNode(ctx, "!aabbccdd")
	require.NoError(t, err)
	require.NotNil(t, node.Latitude)
	assert.InDelta(t, 30.27, *node.Latitude, 1e-6)
}

type recordingHandler struct {
	envs []decode.Envelope
	fail bool
}

func (r *recordingHandler) HandleEnvelope(_ context.Context, env decode.Envelope) error {
	if r.fail {
		return errors.New("rejected")
	}
	r.envs = append(r.envs, env)
	return nil
}

func TestReplayOptions(t *testing.T) {
	ctx := context.Background()
	sourcePath := seedSource(t)

	h := &recordingHandler{}
	res, err := ReplaySQLite(ctx, sourcePath, h, Options{StartID: 2, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	require.Len(t, h.envs, 1)
	assert.Equal(t, string(decode.KindPosition), h.envs[0].PortName)
	assert.Equal(t, string(decode.KindPosition), string(h.envs[0].Packet().Kind))

	failing := &recordingHandler{fail: true}
	_, err = ReplaySQLite(ctx, sourcePath, failing, Options{})
	assert.ErrorContains(t, err, "handle packet id 1")

	res, err = ReplaySQLite(ctx, sourcePath, failing, Options{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
}

func TestReplayValidatesInput(t *testing.T) {
	_, err := ReplaySQLite(context.Background(), "", &recordingHandler{}, Options{})
	assert.Error(t, err)
	_, err = ReplaySQLite(context.Background(), "x.db", nil, Options{})
	assert.Error(t, err)
	_, err = ReplaySQLite(context.Background(), filepath.Join(t.TempDir(), "empty.db"), &recordingHandler{}, Options{})
	assert.ErrorContains(t, err, "does not exist")
}

func TestBuildQuery(t *testing.T) {
	query, args := buildQuery("SELECT 1 WHERE 1", Options{StartID: 5, EndID: 9, Limit: 2})
	assert.Equal(t, "SELECT 1 WHERE 1 AND id >= ? AND id <= ? ORDER BY id LIMIT ?", query)
	assert.Equal(t, []any{int64(5), int64(9), 2}, args)
}
