package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func TestSaveNodeKeepsFirstSeenAndCountsSightings(t *testing.T) {
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	node := testutil.NodeInfo("!0000abcd", "Hilltop", "HT", testutil.Int64(1))
	require.NoError(t, store.SaveNode(ctx, node))

	clock.Advance(time.Hour)
	node.LongName = "Hilltop Repeater"
	require.NoError(t, store.SaveNode(ctx, node))

	got, err := store.GetNode(ctx, "!0000abcd")
	require.NoError(t, err)
	require.NotNil(t, got.FirstSeen)
	assert.True(t, got.FirstSeen.Equal(base), "first_seen moved to %v", got.FirstSeen)
	assert.Equal(t, int64(2), got.TimesHeard)
	assert.Equal(t, "Hilltop Repeater", got.LongName)
	assert.Equal(t, "Hilltop Repeater", store.NodeName("!0000abcd"))

	heard := *got.LastHeard
	require.NoError(t, store.TouchNodeLastHeard(ctx, "!0000abcd", time.Unix(heard-600, 0)))
	got, err = store.GetNode(ctx, "!0000abcd")
	require.NoError(t, err)
	assert.Equal(t, heard, *got.LastHeard, "last_heard must never move backward")
	assert.Equal(t, int64(3), got.TimesHeard)

	_, err = store.GetNode(ctx, "!ffff0000")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestTouchNodeLastHeardSkipsBroadcastAndAssistant(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	require.NoError(t, store.TouchNodeLastHeard(ctx, decode.BroadcastAlias, base))
	require.NoError(t, store.TouchNodeLastHeard(ctx, storage.AssistantID, base))
	require.NoError(t, store.TouchNodeLastHeard(ctx, "!00001111", base))

	nodes, err := store.ListNodes(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "!00001111", nodes[0].NodeID)
}

func TestEveryPacketLandsInRawPackets(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	packets := []decode.Packet{
		testutil.TextPacket("!00000001", decode.BroadcastAlias, "hello mesh", 3, 1, base),
		testutil.PositionPacket("!00000002", 52.1, 4.3, base),
		testutil.DeviceTelemetryPacket("!00000003", 80, 12.5, base),
		decode.Normalize(map[string]any{"fromId": "!00000004"}, "SOMETHING_NEW"),
		decode.Normalize(map[string]any{"decoded": map[string]any{"encryptedBytes": 32}}, ""),
	}
	for _, pkt := range packets {
		_, err := store.SaveRawPacket(ctx, pkt)
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(packets)), stats.TotalPackets)
	assert.Equal(t, int64(2), stats.PacketTypes[string(decode.KindUnknown)])

	raw, err := store.RawPackets(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, raw, len(packets))
	assert.Contains(t, raw[0].RawJSON, "hello mesh")
	assert.Less(t, raw[0].ID, raw[1].ID)
}

func TestHopDistributionCountsOnlyKnownDistances(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	hops := map[string]*int64{
		"!00000001": testutil.Int64(0),
		"!00000002": testutil.Int64(1),
		"!00000003": testutil.Int64(2),
		"!00000004": testutil.Int64(2),
		"!00000005": testutil.Int64(6),
		"!00000006": nil,
	}
	for id, h := range hops {
		require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo(id, "n"+id, "", h)))
	}

	hist, err := store.HopDistribution(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.HopHistogram{Direct: 1, OneHop: 1, TwoHop: 2, ThreePlus: 1}, hist)
	assert.Equal(t, int64(5), hist.Total())

	counts, err := store.NodeCounts(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(6), counts.Total)
}

func TestReceivedViewsExcludeBridgeReplies(t *testing.T) {
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	in := storage.MessageFromPacket(testutil.TextPacket("!0000beef", decode.BroadcastAlias, "anyone out there?", 3, 3, base), "Beef")
	_, err := store.SaveMessage(ctx, in)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = store.SaveAssistantReply(ctx, "!0000beef", "Loud and clear.", 0)
	require.NoError(t, err)

	received, err := store.ListMessages(ctx, storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "!0000beef", received[0].FromID)

	history, err := store.ConversationHistory(ctx, "!0000beef", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "anyone out there?", history[0].Text)
	assert.Equal(t, storage.AssistantID, history[1].FromID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)

	hops, ok := received[0].HopsUsed()
	require.True(t, ok)
	assert.Equal(t, int64(0), hops)
}

func TestListMessagesKeepsRowsWithoutSender(t *testing.T) {
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	_, err := store.SaveMessage(ctx, storage.Message{Timestamp: base, ToID: decode.BroadcastAlias, Text: "who sent this?"})
	require.NoError(t, err)
	_, err = store.SaveAssistantReply(ctx, "!0000beef", "Not me.", 0)
	require.NoError(t, err)

	received, err := store.ListMessages(ctx, storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "who sent this?", received[0].Text)
	assert.Empty(t, received[0].FromID)
}

func TestOutboxLifecycle(t *testing.T) {
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	before, err := store.LastModified(ctx)
	require.NoError(t, err)

	textID, err := store.AddToOutbox(ctx, "net check-in at 8", "", 0, "")
	require.NoError(t, err)
	traceID, err := store.AddTracerouteRequest(ctx, "!0000abcd")
	require.NoError(t, err)
	_, err = store.AddToOutbox(ctx, "x", "^all", 0, "carrier-pigeon")
	require.Error(t, err)

	pending, err := store.PendingOutbox(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, textID, pending[0].ID)
	assert.Equal(t, decode.BroadcastAlias, pending[0].Destination)
	assert.Equal(t, storage.KindText, pending[0].Kind)
	assert.Equal(t, storage.KindTraceroute, pending[1].Kind)

	require.NoError(t, store.MarkOutboxSent(ctx, textID))
	require.NoError(t, store.MarkOutboxFailed(ctx, traceID, "traceroute unsupported"))
	assert.True(t, errors.Is(store.MarkOutboxSent(ctx, 9999), storage.ErrNotFound))

	sent, err := store.GetOutboxEntry(ctx, textID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)

	failed, err := store.GetOutboxEntry(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, failed.Status)
	assert.Equal(t, "traceroute unsupported", failed.Error)

	after, err := store.LastModified(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	pending, err = store.PendingOutbox(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = store.AddToOutbox(ctx, "still waiting", "", 0, storage.KindText)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	removed, err := store.PurgeOutbox(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed, "pending entries survive the purge")

	entries, err := store.OutboxEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusPending, entries[0].Status)
}

func TestWaypointsReplaceByID(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	wp := func(name string) decode.Packet {
		return decode.Packet{
			Kind:       decode.KindWaypoint,
			Header:     decode.Header{FromID: "!00000001"},
			ReceivedAt: base,
			Waypoint:   &decode.Waypoint{ID: testutil.Int64(42), Name: name, Latitude: testutil.Float64(52)},
		}
	}
	require.NoError(t, store.SaveWaypoint(ctx, wp("Camp")))
	require.NoError(t, store.SaveWaypoint(ctx, wp("Camp (moved)")))

	all, err := store.Waypoints(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Camp (moved)", all[0].Name)
}

func TestNeighborLinksReplacePerPair(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo("!00000001", "A", "A", nil)))
	require.NoError(t, store.SaveNeighbor(ctx, "!00000001", decode.Neighbor{NeighborID: "!00000002", SNR: testutil.Float64(3)}, base))
	require.NoError(t, store.SaveNeighbor(ctx, "!00000001", decode.Neighbor{NeighborID: "!00000002", SNR: testutil.Float64(7.5)}, base.Add(time.Minute)))

	detail, err := store.NodeDetail(ctx, "!00000001")
	require.NoError(t, err)
	require.Len(t, detail.Neighbors, 1)
	assert.Equal(t, 7.5, *detail.Neighbors[0].SNR)
}

func TestTraceroutesAndTopology(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo("!00000001", "Alpha", "A", nil)))
	tr := testutil.TraceroutePacket("!00000001", "!00000003", []string{"!00000002"}, []int64{24, -8}, base)
	require.NoError(t, store.SaveTraceroute(ctx, tr))
	require.NoError(t, store.SaveNeighbor(ctx, "!00000003", decode.Neighbor{NeighborID: "!00000004"}, base))
	require.NoError(t, store.SaveNeighbor(ctx, "!00000002", decode.Neighbor{NeighborID: "!00000001"}, base))

	routes, err := store.Traceroutes(ctx, "!00000002", 10)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, []float64{6, -2}, routes[0].SNRTowards)
	assert.Equal(t, "Alpha", routes[0].FromName)
	assert.Equal(t, []string{"!00000001", "!00000002", "!00000003"}, routes[0].Chain())

	topo, err := store.Topology(ctx)
	require.NoError(t, err)
	assert.Len(t, topo.Edges, 3, "the duplicate neighbor link is folded into the traceroute edge")
	assert.Len(t, topo.Nodes, 4)
	assert.Equal(t, "traceroute", topo.Edges[0].Source)
	require.NotNil(t, topo.Edges[0].SNR)
	assert.Equal(t, 6.0, *topo.Edges[0].SNR)
}

func TestStatsAsOfIgnoresLaterRows(t *testing.T) {
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	for i, at := range []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)} {
		pkt := testutil.TextPacket("!0000000"+string(rune('1'+i)), decode.BroadcastAlias, "hi", 0, 0, at)
		_, err := store.SaveRawPacket(ctx, pkt)
		require.NoError(t, err)
		_, err = store.SaveMessage(ctx, storage.MessageFromPacket(pkt, ""))
		require.NoError(t, err)
	}

	stats, err := store.StatsAsOf(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, stats.AsOf)
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.TotalPackets)
	assert.Equal(t, int64(2), stats.TotalNodes)
	assert.Equal(t, int64(2), stats.ActiveNodes24h)

	first, last, err := store.TimeRange(ctx)
	require.NoError(t, err)
	assert.True(t, first.Equal(base))
	assert.True(t, last.Equal(base.Add(2*time.Hour)))
}

func TestFactsAndGlobalContext(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	fact := storage.Fact{Type: "name", Value: "Sam", Source: "auto_extract"}
	require.NoError(t, store.SaveFact(ctx, "!0000abcd", fact))
	require.NoError(t, store.SaveFact(ctx, "!0000abcd", fact))
	require.Error(t, store.SaveFact(ctx, "!0000abcd", storage.Fact{Type: "name"}))

	facts, err := store.UserFacts(ctx, "!0000abcd")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 1.0, facts[0].Confidence)

	require.NoError(t, store.SaveGlobalContext(ctx, "Net every Tuesday 20:00", "events"))
	require.NoError(t, store.SaveGlobalContext(ctx, "Net every Tuesday 20:00", "events"))
	global, err := store.GlobalContext(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, global, 1)

	require.NoError(t, store.LogFilteredContent(ctx, storage.FilteredContent{
		FromID: "!0000abcd", OriginalText: "buy gift cards", Reason: "scam pattern", Category: "scam",
	}))
	log, err := store.FilteredContentLog(ctx, 5)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "scam", log[0].Category)
}

func TestClearAllResetsNames(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo("!00000001", "Alpha", "A", nil)))
	require.Equal(t, "Alpha", store.NodeName("!00000001"))

	require.NoError(t, store.ClearAll(ctx))
	assert.Empty(t, store.NodeName("!00000001"))
	nodes, err := store.ListNodes(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
	require.NoError(t, store.Vacuum(ctx))
}

func TestDMThreadMergesSentAndReceived(t *testing.T) {
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	dm := storage.MessageFromPacket(testutil.TextPacket("!0000abcd", "!00000042", "ping", 0, 0, base), "Abby")
	_, err := store.SaveMessage(ctx, dm)
	require.NoError(t, err)
	_, err = store.SaveSentMessage(ctx, storage.SentMessage{Timestamp: base.Add(time.Minute), ToID: "!0000abcd", Text: "pong"})
	require.NoError(t, err)

	thread, err := store.DMThread(ctx, "!0000abcd", 10)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "ping", thread[0].Text)
	assert.False(t, thread[0].IsSent)
	assert.Equal(t, "self", thread[1].FromID)
	assert.Equal(t, "Me", thread[1].FromName)
	assert.True(t, thread[1].IsSent)

	convs, err := store.DMConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(2), convs[0].Count)
	assert.Equal(t, "pong", convs[0].LastMessage)
}
