package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
)

const accountColumns = `id, name, email, role, status, password_hash, created_at, updated_at`

type accountRepository struct {
	BaseRepository
}

func NewAccountRepository(base BaseRepository) repository.AccountRepository {
	return &accountRepository{base}
}

func (r *accountRepository) Create(ctx context.Context, account *model.Account) (err error) {
	defer func(start time.Time) { r.observe("account.create", start, err) }(time.Now())

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, query,
		account.ID,
		account.Name,
		account.Email,
		account.Role,
		account.Status,
		account.PasswordHash,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

func (r *accountRepository) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", mapError(err))
	}
	return &account, nil
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", mapError(err))
	}
	return &account, nil
}

func (r *accountRepository) Update(ctx context.Context, account *model.Account) (err error) {
	defer func(start time.Time) { r.observe("account.update", start, err) }(time.Now())

	account.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE accounts
		SET name = $2, role = $3, status = $4, password_hash = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.Name,
		account.Role,
		account.Status,
		account.PasswordHash,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	return mustAffect(res)
}

func (r *accountRepository) List(ctx context.Context) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.SelectContext(ctx, &accounts, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (r *accountRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM accounts`); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

func (r *accountRepository) CountActiveStaff(ctx context.Context) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM accounts WHERE role IN ('DOCTOR', 'NURSE') AND status = 'ACTIVE'`
	if err := r.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("failed to count staff: %w", err)
	}
	return n, nil
}
