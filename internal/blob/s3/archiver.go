package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// ArchiveImpl implements domain.Archiver by serializing record batches to
// JSONL and uploading them to S3, partitioned by year-month.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	now    func() time.Time
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, now: time.Now}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveTradeLogs serializes the logs to JSONL and uploads them to
// archive/trade_logs/YYYY-MM.jsonl, returning the object path.
func (a *ArchiveImpl) ArchiveTradeLogs(ctx context.Context, logs []*domain.TradeLog) (string, error) {
	if len(logs) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(logs)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trade logs marshal: %w", err)
	}

	path := archivePath("trade_logs", a.partitionTime(logs[len(logs)-1].Timestamp))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive trade logs upload: %w", err)
	}
	return path, nil
}

// ArchiveEvents serializes the events to JSONL and uploads them to
// archive/events/YYYY-MM.jsonl, returning the object path.
func (a *ArchiveImpl) ArchiveEvents(ctx context.Context, events []*domain.StrategyEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path := archivePath("events", a.partitionTime(events[len(events)-1].CreatedAt))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive events upload: %w", err)
	}
	return path, nil
}

func (a *ArchiveImpl) partitionTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return a.now().UTC()
	}
	return ts.UTC()
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the newest record.
//
//	archive/trade_logs/2026-08.jsonl
//	archive/events/2026-08.jsonl
func archivePath(kind string, ts time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, ts.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
