package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMonotonicSequence(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(ctx, Entry{
			EventKind: "edge_added",
			Component: "diff",
			Operation: OpInsert,
			EdgeID:    "e_1",
		}))
	}

	entries, err := l.Scan(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, uint64(10), l.LastSeq())
}

func TestScanFilters(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{Component: "diff", Operation: OpInsert, CorrelationID: "c1"}))
	require.NoError(t, l.Record(ctx, Entry{Component: "workers", Operation: OpArchive, CorrelationID: "c2"}))
	require.NoError(t, l.Record(ctx, Entry{Component: "diff", Operation: OpReinforce, CorrelationID: "c1"}))

	byCorr, err := l.Scan(ctx, Filter{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)

	byComponent, err := l.Scan(ctx, Filter{Component: "workers"})
	require.NoError(t, err)
	require.Len(t, byComponent, 1)
	assert.Equal(t, OpArchive, byComponent[0].Operation)

	limited, err := l.Scan(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteRecordsAreMetadataOnly(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{
		Component: "graph",
		Operation: OpDelete,
		NodeID:    "n_gone",
		Old:       `{"name":"should never persist"}`,
		New:       `{"name":"neither should this"}`,
		Reasoning: "user erasure request",
	}))

	entries, err := l.Scan(ctx, Filter{Operation: OpDelete})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Old)
	assert.Empty(t, entries[0].New)
	assert.Equal(t, "n_gone", entries[0].NodeID)
	assert.Equal(t, "user erasure request", entries[0].Reasoning)
}

func TestParquetExport(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{Component: "diff", Operation: OpInsert, EdgeID: "e_1", ConfidenceAfter: 0.9}))
	require.NoError(t, l.Record(ctx, Entry{Component: "diff", Operation: OpReinforce, EdgeID: "e_1", ConfidenceBefore: 0.9, ConfidenceAfter: 0.908}))

	path := filepath.Join(t.TempDir(), "audit.parquet")
	n, err := l.ExportParquet(ctx, path, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := parquet.ReadFile[exportRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "INSERT", rows[0].Operation)
	assert.InDelta(t, 0.908, rows[1].ConfidenceAfter, 1e-9)
}
