package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
)

type recordRow struct {
	ID        uuid.UUID     `db:"id"`
	PatientID uuid.UUID     `db:"patient_id"`
	Entries   model.Entries `db:"entries"`
	CreatedAt time.Time     `db:"created_at"`
	UpdatedAt time.Time     `db:"updated_at"`
}

func (row recordRow) aggregate() *model.Record {
	return model.RestoreRecord(row.ID, row.PatientID, row.Entries, row.CreatedAt, row.UpdatedAt)
}

type recordRepository struct {
	BaseRepository
}

func NewRecordRepository(base BaseRepository) repository.RecordRepository {
	return &recordRepository{base}
}

func (r *recordRepository) GetByPatient(ctx context.Context, patientID uuid.UUID) (*model.Record, error) {
	var row recordRow
	query := `SELECT id, patient_id, entries, created_at, updated_at FROM records WHERE patient_id = $1`
	if err := r.db.GetContext(ctx, &row, query, patientID); err != nil {
		return nil, fmt.Errorf("failed to get record: %w", mapError(err))
	}
	return row.aggregate(), nil
}

// AppendEntry relies on jsonb concatenation so concurrent appends never
// overwrite each other.
func (r *recordRepository) AppendEntry(ctx context.Context, patientID uuid.UUID, entry model.Entry) (rec *model.Record, err error) {
	defer func(start time.Time) { r.observe("record.append", start, err) }(time.Now())

	query := `
		INSERT INTO records (id, patient_id, entries, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $4)
		ON CONFLICT (patient_id) DO UPDATE
		SET entries = records.entries || EXCLUDED.entries, updated_at = EXCLUDED.updated_at
		RETURNING id, patient_id, entries, created_at, updated_at
	`
	var row recordRow
	err = r.db.GetContext(ctx, &row, query, uuid.New(), patientID, model.Entries{entry}, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append entry: %w", mapError(err))
	}
	return row.aggregate(), nil
}

func (r *recordRepository) Modify(ctx context.Context, patientID uuid.UUID, fn func(*model.Record) error) (rec *model.Record, err error) {
	defer func(start time.Time) { r.observe("record.modify", start, err) }(time.Now())

	err = r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var row recordRow
		query := `SELECT id, patient_id, entries, created_at, updated_at FROM records WHERE patient_id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &row, query, patientID); err != nil {
			return fmt.Errorf("failed to lock record: %w", mapError(err))
		}

		rec = row.aggregate()
		if err := fn(rec); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE records SET entries = $2::jsonb, updated_at = $3 WHERE id = $1`,
			rec.ID, rec.Entries(), rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *recordRepository) CountEntries(ctx context.Context) (int, error) {
	var n int
	query := `SELECT COALESCE(SUM(jsonb_array_length(entries)), 0) FROM records`
	if err := r.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (r *recordRepository) CountEntriesUpdatedBy(ctx context.Context, author uuid.UUID, since time.Time) (int, error) {
	var n int
	query := `
		SELECT COUNT(*)
		FROM records r, jsonb_array_elements(r.entries) e
		WHERE e->>'authorId' = $1 AND (e->>'updatedAt')::timestamptz >= $2
	`
	if err := r.db.GetContext(ctx, &n, query, author.String(), since); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}
