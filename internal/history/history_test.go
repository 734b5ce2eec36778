package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/history"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
}

func saveText(t *testing.T, store *storage.Store, from, name, text string, hopStart, hopLimit int64, when time.Time) {
	t.Helper()
	pkt := testutil.TextPacket(from, decode.BroadcastAlias, text, hopStart, hopLimit, when)
	_, err := store.SaveMessage(context.Background(), storage.MessageFromPacket(pkt, name))
	require.NoError(t, err)
}

func TestNodesAtFollowsPositionHistory(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)
	require.NoError(t, store.SavePosition(ctx, testutil.PositionPacket("!11112222", 30.0, -97.7, at(10, 0))))
	require.NoError(t, store.SavePosition(ctx, testutil.PositionPacket("!11112222", 30.5, -97.7, at(11, 0))))

	r := history.New(store)

	nodes, err := r.NodesAt(ctx, at(10, 30))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.NotNil(t, nodes[0].Latitude)
	assert.InDelta(t, 30.0, *nodes[0].Latitude, 1e-9)

	nodes, err = r.NodesAt(ctx, at(11, 30))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.InDelta(t, 30.5, *nodes[0].Latitude, 1e-9)
	assert.True(t, nodes[0].PositionTime.Equal(at(11, 0)))

	nodes, err = r.NodesAt(ctx, at(9, 59))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestNodesAtExcludesFutureNodes(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)
	require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo("!aabbccdd", "Alice Base", "ALB", nil)))
	require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo("!00000001", "Late Node", "LAT", nil)))

	saveText(t, store, "!aabbccdd", "Alice Base", "morning", 3, 1, at(9, 0))
	require.NoError(t, store.SavePosition(ctx, testutil.PositionPacket("!00000001", 31.0, -97.0, at(12, 0))))
	saveText(t, store, "!00000001", "Late Node", "hi", 0, 0, at(12, 5))

	r := history.New(store)
	for _, when := range []time.Time{at(9, 0), at(10, 0), at(11, 59)} {
		nodes, err := r.NodesAt(ctx, when)
		require.NoError(t, err)
		for _, n := range nodes {
			assert.False(t, n.FirstActivity.After(when), "node %s first active %s after %s", n.NodeID, n.FirstActivity, when)
		}
		require.Len(t, nodes, 1)
		assert.Equal(t, "Alice Base", nodes[0].DisplayName())
		require.NotNil(t, nodes[0].HopsUsed)
		assert.EqualValues(t, 2, *nodes[0].HopsUsed)
	}

	nodes, err := r.NodesAt(ctx, at(13, 0))
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Equal(t, "!00000001", nodes[0].NodeID, "most recently active first")
}

func TestNodesAtMergesTelemetryAndSignal(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)

	saveText(t, store, "!aabbccdd", "", "ping", 0, 0, at(9, 0))
	require.NoError(t, store.SaveTelemetry(ctx, testutil.DeviceTelemetryPacket("!aabbccdd", 80, 12.5, at(9, 30))))
	require.NoError(t, store.SaveTelemetry(ctx, testutil.DeviceTelemetryPacket("!aabbccdd", 50, 20, at(10, 45))))

	nodes, err := history.New(store).NodesAt(ctx, at(10, 30))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	n := nodes[0]
	assert.Equal(t, "!aabbccdd", n.DisplayName(), "unnamed nodes fall back to the id")
	require.NotNil(t, n.BatteryLevel)
	assert.EqualValues(t, 80, *n.BatteryLevel)
	require.NotNil(t, n.ChannelUtilization)
	assert.InDelta(t, 12.5, *n.ChannelUtilization, 1e-9)
	require.NotNil(t, n.SNR)
	assert.InDelta(t, 6.25, *n.SNR, 1e-9)
	assert.Nil(t, n.HopsUsed, "no message carried hop data")
	assert.Nil(t, n.Latitude)
}

func TestMessagesBeforeMergesSentLog(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(at(10, 1))
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))

	saveText(t, store, "!aabbccdd", "Alice", "hello", 3, 1, at(10, 0))
	_, err := store.SaveAssistantReply(ctx, "!aabbccdd", "hi Alice", 0)
	require.NoError(t, err)
	_, err = store.SaveSentMessage(ctx, storage.SentMessage{Timestamp: at(10, 1), ToID: "!aabbccdd", Text: "hi Alice"})
	require.NoError(t, err)
	saveText(t, store, "!aabbccdd", "Alice", "later", 0, 0, at(12, 0))

	r := history.New(store)
	got, err := r.MessagesBefore(ctx, at(11, 0), 10)
	require.NoError(t, err)

	want := []storage.ThreadMessage{
		{Timestamp: at(10, 1), FromID: history.SelfID, FromName: history.SelfName, ToID: "!aabbccdd", Text: "hi Alice", IsSent: true},
		{Timestamp: at(10, 0), FromID: "!aabbccdd", FromName: "Alice", ToID: decode.BroadcastAlias, Text: "hello"},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(storage.ThreadMessage{}, "SNR", "RSSI")); diff != "" {
		t.Fatalf("messages before mismatch (-want +got):\n%s", diff)
	}

	limited, err := r.MessagesBefore(ctx, at(13, 0), 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "later", limited[0].Text)
}

func TestSnapshotUsesOnlyPastRows(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenStore(t)
	for _, when := range []time.Time{at(8, 10), at(9, 20), at(9, 40), at(15, 0)} {
		saveText(t, store, "!aabbccdd", "Alice", "msg", 0, 0, when)
	}

	snap, err := history.New(store).Snapshot(ctx, at(10, 0), 0)
	require.NoError(t, err)

	assert.True(t, snap.At.Equal(at(10, 0)))
	assert.Len(t, snap.Messages, 3)
	assert.Len(t, snap.Nodes, 1)
	assert.EqualValues(t, 3, snap.Stats.TotalMessages)
	require.NotNil(t, snap.Stats.AsOf)

	require.Len(t, snap.Activity, 24)
	var total int64
	for _, b := range snap.Activity {
		total += b.Messages
	}
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 2, snap.Activity[23].Messages, "9:20 and 9:40 fall in the last hour")
}
