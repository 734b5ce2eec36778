package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/bridge"
	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/pipeline"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

func TestPipelineStoresPacketsThroughBridge(t *testing.T) {
	store := testutil.OpenStore(t)
	b, err := bridge.New(bridge.Config{
		AutoRespond:         true,
		RespondToBroadcasts: true,
		SelfID:              "!00000001",
	}, bridge.Deps{Store: store, LLM: llm.Echo{}})
	require.NoError(t, err)

	client := newStubClient()
	pipe := pipeline.New(client, decode.NewMeshtasticDecoder(), b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, pipe.Run(ctx))
		close(done)
	}()
	<-client.started

	const topic = "msh/US/2/e/LongFast/!00000001"
	header := testutil.MeshPacket{From: 0x12345678, To: 0xffffffff, ID: 77, HopStart: 3, HopLimit: 2, RxSnr: 7.5}
	client.messages <- mqtt.Message{
		Topic:   topic,
		Payload: testutil.BuildServiceEnvelope("LongFast", "!00000001", header, testutil.NodeInfoData("!12345678", "Test Node", "TN", 43)),
		Time:    time.Now(),
	}
	header.ID = 78
	client.messages <- mqtt.Message{
		Topic:   topic,
		Payload: testutil.BuildServiceEnvelope("LongFast", "!00000001", header, testutil.TextData("anyone on?")),
		Time:    time.Now(),
	}

	require.Eventually(t, func() bool {
		stats, err := store.Stats(context.Background())
		return err == nil && stats.TotalPackets == 2 && b.Pending() == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	node, err := store.GetNode(context.Background(), "!12345678")
	require.NoError(t, err)
	assert.Equal(t, "Test Node", node.LongName)

	msgs, err := store.ListMessages(context.Background(), storage.MessageQuery{Limit: 5})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "anyone on?", msgs[0].Text)
	assert.Equal(t, "Test Node", msgs[0].FromName)
	hops, ok := msgs[0].HopsUsed()
	require.True(t, ok)
	assert.EqualValues(t, 1, hops)
}
