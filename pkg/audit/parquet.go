package audit

import (
	"context"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// exportRow is the flat parquet schema for offline review tooling.
type exportRow struct {
	Seq              int64   `parquet:"seq"`
	TimestampMillis  int64   `parquet:"timestamp_millis"`
	CorrelationID    string  `parquet:"correlation_id"`
	EventKind        string  `parquet:"event_kind"`
	Component        string  `parquet:"component"`
	Operation        string  `parquet:"operation"`
	NodeID           string  `parquet:"node_id"`
	EdgeID           string  `parquet:"edge_id"`
	Old              string  `parquet:"old"`
	New              string  `parquet:"new"`
	ConfidenceBefore float64 `parquet:"confidence_before"`
	ConfidenceAfter  float64 `parquet:"confidence_after"`
	Mechanism        string  `parquet:"mechanism"`
	SessionID        string  `parquet:"session_id"`
	Reasoning        string  `parquet:"reasoning"`
}

// ExportParquet writes every entry matching the filter to a parquet
// file at path, returning the row count.
func (l *Log) ExportParquet(ctx context.Context, path string, f Filter) (int, error) {
	entries, err := l.Scan(ctx, f)
	if err != nil {
		return 0, err
	}

	rows := make([]exportRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, exportRow{
			Seq:              int64(e.Seq),
			TimestampMillis:  e.Timestamp.UnixMilli(),
			CorrelationID:    e.CorrelationID,
			EventKind:        e.EventKind,
			Component:        e.Component,
			Operation:        string(e.Operation),
			NodeID:           e.NodeID,
			EdgeID:           e.EdgeID,
			Old:              e.Old,
			New:              e.New,
			ConfidenceBefore: e.ConfidenceBefore,
			ConfidenceAfter:  e.ConfidenceAfter,
			Mechanism:        e.Mechanism,
			SessionID:        e.SessionID,
			Reasoning:        e.Reasoning,
		})
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[exportRow](file)
	if _, err := writer.Write(rows); err != nil {
		return 0, fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return len(rows), nil
}
