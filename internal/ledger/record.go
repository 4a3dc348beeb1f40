package ledger

import (
	"fmt"
	"time"

	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/media"
)

// UploadRecord is the provenance entry for a single accepted upload. Records are
// immutable once appended; the ID and CreatedAt are assigned by the ledger.
type UploadRecord struct {
	ID              int64         `db:"id"`
	UserID          access.UserID `db:"user_id"`
	Source          string        `db:"source"`
	Title           string        `db:"title"`
	SizeBytes       *int64        `db:"size_bytes"`
	DurationSeconds *float64      `db:"duration_seconds"`
	CreatedAt       time.Time     `db:"created_at"`
}

// NewRecord builds an (unsaved) record from the metadata of a resolved artifact
func NewRecord(userID access.UserID, source string, meta media.Metadata) UploadRecord {
	return UploadRecord{
		UserID:          userID,
		Source:          source,
		Title:           meta.Title,
		SizeBytes:       meta.SizeBytes,
		DurationSeconds: meta.DurationSeconds,
	}
}

func (record *UploadRecord) Metadata() media.Metadata {
	return media.Metadata{Title: record.Title, SizeBytes: record.SizeBytes, DurationSeconds: record.DurationSeconds}
}

func (record *UploadRecord) DurationLabel() string { return media.DurationLabel(record.DurationSeconds) }
func (record *UploadRecord) SizeLabel() string     { return media.SizeLabel(record.SizeBytes) }

func (record *UploadRecord) String() string {
	return fmt.Sprintf("UploadRecord{ID=%d User=%s Title=%q Duration=%s Size=%s}", record.ID, record.UserID, record.Title, record.DurationLabel(), record.SizeLabel())
}
