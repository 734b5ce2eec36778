package diff_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/diff"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

var at = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, extra ...string) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mesh.db")
	clock := testutil.NewClock(at)
	store, err := storage.Open(ctx, storage.Config{Path: path}, storage.WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, store.SaveNode(ctx, testutil.NodeInfo("!aabbccdd", "Alice Base", "ALB", nil)))
	texts := append([]string{"hello mesh", "anyone on?"}, extra...)
	for i, text := range texts {
		pkt := testutil.TextPacket("!aabbccdd", decode.BroadcastAlias, text, 3, 2, at.Add(time.Duration(i)*time.Minute))
		_, err := store.SaveRawPacket(ctx, pkt)
		require.NoError(t, err)
		_, err = store.SaveMessage(ctx, storage.MessageFromPacket(pkt, "Alice Base"))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())
	return path
}

func TestCompareIdenticalStores(t *testing.T) {
	summary, err := diff.CompareSQLite(context.Background(), seed(t), seed(t), diff.Options{SampleLimit: 3})
	require.NoError(t, err)
	require.Len(t, summary.Tables, len(diff.DefaultTables))
	assert.True(t, summary.Equal())
}

func TestCompareReportsExtraRows(t *testing.T) {
	summary, err := diff.CompareSQLite(context.Background(), seed(t), seed(t, "late arrival"), diff.Options{
		SampleLimit: 1,
		Tables:      []diff.Table{{Name: "messages", Columns: []string{"from_id", "text"}}},
	})
	require.NoError(t, err)
	require.Len(t, summary.Tables, 1)
	td := summary.Tables[0]
	assert.Equal(t, "messages", td.Table)
	assert.Zero(t, td.OnlyA)
	assert.Equal(t, 1, td.OnlyB)
	assert.Equal(t, []string{`{"from_id":"!aabbccdd","text":"late arrival"}`}, td.SampleOnlyB)
	assert.False(t, summary.Equal())
}

func TestCompareValidatesSchema(t *testing.T) {
	_, err := diff.CompareSQLite(context.Background(), "", "b.db", diff.Options{})
	assert.Error(t, err)

	_, err = diff.CompareSQLite(context.Background(), seed(t), seed(t), diff.Options{
		Tables: []diff.Table{{Name: "messages", Columns: []string{"no_such_column"}}},
	})
	assert.ErrorContains(t, err, "no_such_column")

	_, err = diff.CompareSQLite(context.Background(), seed(t), seed(t), diff.Options{
		Tables: []diff.Table{{Name: "packet_history", Columns: []string{"topic"}}},
	})
	assert.ErrorContains(t, err, "missing")
}
