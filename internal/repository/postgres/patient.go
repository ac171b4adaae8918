package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
)

const patientColumns = `id, created_by, first_name, last_name, gender, dob, phone, email, nic,
	patient_id, allergies, medical_history, qr_token, qr_image, linked_account_id,
	created_at, updated_at`

type patientRepository struct {
	BaseRepository
}

func NewPatientRepository(base BaseRepository) repository.PatientRepository {
	return &patientRepository{base}
}

func (r *patientRepository) Create(ctx context.Context, patient *model.Patient) (err error) {
	defer func(start time.Time) { r.observe("patient.create", start, err) }(time.Now())

	query := `
		INSERT INTO patients (` + patientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	if patient.ID == uuid.Nil {
		patient.ID = uuid.New()
	}
	now := time.Now().UTC()
	patient.CreatedAt = now
	patient.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, query,
		patient.ID,
		patient.CreatedBy,
		patient.FirstName,
		patient.LastName,
		patient.Gender,
		patient.DOB,
		patient.Phone,
		patient.Email,
		patient.NIC,
		patient.PatientID,
		patient.Allergies,
		patient.MedicalHistory,
		patient.QRToken,
		patient.QRImage,
		patient.LinkedAccountID,
		patient.CreatedAt,
		patient.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create patient: %w", mapError(err))
	}
	return nil
}

func (r *patientRepository) getBy(ctx context.Context, column string, value interface{}) (*model.Patient, error) {
	var patient model.Patient
	query := `SELECT ` + patientColumns + ` FROM patients WHERE ` + column + ` = $1`
	if err := r.db.GetContext(ctx, &patient, query, value); err != nil {
		return nil, fmt.Errorf("failed to get patient by %s: %w", column, mapError(err))
	}
	return &patient, nil
}

func (r *patientRepository) Get(ctx context.Context, id uuid.UUID) (*model.Patient, error) {
	return r.getBy(ctx, "id", id)
}

func (r *patientRepository) GetByCode(ctx context.Context, code string) (*model.Patient, error) {
	return r.getBy(ctx, "patient_id", code)
}

func (r *patientRepository) GetByToken(ctx context.Context, token string) (p *model.Patient, err error) {
	defer func(start time.Time) { r.observe("patient.resolve", start, err) }(time.Now())
	return r.getBy(ctx, "qr_token", token)
}

func (r *patientRepository) GetByLinkedAccount(ctx context.Context, accountID uuid.UUID) (*model.Patient, error) {
	return r.getBy(ctx, "linked_account_id", accountID)
}

func (r *patientRepository) LastCreated(ctx context.Context) (*model.Patient, error) {
	var patient model.Patient
	query := `SELECT ` + patientColumns + ` FROM patients ORDER BY created_at DESC, patient_id DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &patient, query); err != nil {
		return nil, fmt.Errorf("failed to get last patient: %w", mapError(err))
	}
	return &patient, nil
}

// escapeLike makes q safe to embed in an ILIKE pattern.
func escapeLike(q string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
}

func (r *patientRepository) List(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, int, error) {
	where := ""
	args := []interface{}{}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where = ` WHERE first_name ILIKE $1 OR last_name ILIKE $1 OR phone ILIKE $1 OR qr_token ILIKE $1`
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM patients`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count patients: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM patients%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		patientColumns, where, n+1, n+2)
	args = append(args, filter.Limit, filter.Offset())

	var patients []*model.Patient
	if err := r.db.SelectContext(ctx, &patients, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list patients: %w", err)
	}
	return patients, total, nil
}

func (r *patientRepository) UpdateQR(ctx context.Context, id uuid.UUID, token, image string) (err error) {
	defer func(start time.Time) { r.observe("patient.update_qr", start, err) }(time.Now())

	query := `UPDATE patients SET qr_token = $2, qr_image = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, token, image, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update qr: %w", mapError(err))
	}
	return mustAffect(res)
}

func (r *patientRepository) UpdatePhone(ctx context.Context, id uuid.UUID, phone string) error {
	query := `UPDATE patients SET phone = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, phone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update phone: %w", mapError(err))
	}
	return mustAffect(res)
}

func (r *patientRepository) Link(ctx context.Context, id, accountID uuid.UUID) error {
	query := `UPDATE patients SET linked_account_id = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to link patient: %w", mapError(err))
	}
	return mustAffect(res)
}

func (r *patientRepository) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer func(start time.Time) { r.observe("patient.delete", start, err) }(time.Now())

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var linked *uuid.UUID
		err := tx.GetContext(ctx, &linked, `SELECT linked_account_id FROM patients WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return fmt.Errorf("failed to lock patient: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE patient_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM patients WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete patient: %w", err)
		}
		if linked != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, *linked); err != nil {
				return fmt.Errorf("failed to delete linked account: %w", err)
			}
		}
		return nil
	})
}

func (r *patientRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM patients`); err != nil {
		return 0, fmt.Errorf("failed to count patients: %w", err)
	}
	return n, nil
}

func (r *patientRepository) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM patients WHERE created_at >= $1`, since); err != nil {
		return 0, fmt.Errorf("failed to count patients: %w", err)
	}
	return n, nil
}
