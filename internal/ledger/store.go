package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/hbomb79/Harmony/internal/database"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/jmoiron/sqlx"
)

const (
	uploadsTable = "uploads"

	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 20
)

var (
	log = logger.Get("Ledger")

	ErrPersistence = errors.New("failed to persist upload record")

	uploadColumns = []string{"id", "user_id", "source", "title", "size_bytes", "duration_seconds", "created_at"}
)

type (
	// Store performs the SQL operations against the uploads table. It does
	// not own a connection; callers provide the Queryable (a DB or Tx).
	Store struct {
		clock func() time.Time
	}

	// Ledger is the append-only provenance log. Each Append is performed
	// inside its own transaction so History never observes a partially
	// written record.
	Ledger struct {
		db    *sqlx.DB
		store *Store
	}
)

func NewStore() *Store {
	return &Store{clock: time.Now}
}

// Insert writes the record provided, assigning the ID and creation time.
// Any ID or CreatedAt already present on the record is ignored.
func (store *Store) Insert(db database.Queryable, record UploadRecord) (*UploadRecord, error) {
	record.CreatedAt = store.clock().UTC().Truncate(time.Microsecond)

	query, args, err := squirrel.Insert(uploadsTable).
		Columns("user_id", "source", "title", "size_bytes", "duration_seconds", "created_at").
		Values(record.UserID, record.Source, record.Title, record.SizeBytes, record.DurationSeconds, record.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct upload insert query: %w", err)
	}

	if err := db.QueryRowx(db.Rebind(query), args...).Scan(&record.ID); err != nil {
		return nil, fmt.Errorf("failed to insert upload record: %w", err)
	}

	return &record, nil
}

// List returns at most 'limit' records, newest first. Records sharing
// a creation time are ordered by descending ID.
func (store *Store) List(db database.Queryable, limit int) ([]*UploadRecord, error) {
	query, args, err := squirrel.Select(uploadColumns...).
		From(uploadsTable).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct upload history query: %w", err)
	}

	var records []*UploadRecord
	if err := db.Select(&records, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select upload history: %w", err)
	}

	for _, r := range records {
		r.CreatedAt = r.CreatedAt.UTC()
	}

	return records, nil
}

// SetClock overrides the time source used to stamp new records
func (store *Store) SetClock(clock func() time.Time) {
	store.clock = clock
}

func New(db *sqlx.DB, store *Store) *Ledger {
	return &Ledger{db: db, store: store}
}

// Append durably records the upload provided, returning the committed record.
// Any failure is reported as an ErrPersistence.
func (ledger *Ledger) Append(record UploadRecord) (*UploadRecord, error) {
	var committed *UploadRecord
	err := database.WrapTx(context.Background(), ledger.db, func(tx *sqlx.Tx) error {
		rec, err := ledger.store.Insert(tx, record)
		if err != nil {
			return err
		}

		committed = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	log.Emit(logger.NEW, "Appended %s\n", committed)
	return committed, nil
}

// History returns the most recent upload records, newest first. A limit
// which is not positive uses the default, and limits beyond the maximum are clamped.
func (ledger *Ledger) History(limit int) ([]*UploadRecord, error) {
	return ledger.store.List(ledger.db, ClampLimit(limit))
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}

	return limit
}
