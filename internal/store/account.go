package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/usersapi/apiserver/types"
)

const uniqueViolation = pq.ErrorCode("23505")

const accountColumns = `id, email, password_hash, subscription, verification_token, verified, token, avatar_url, created_at, updated_at`

// AccountRepository handles persistence for accounts.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		account           types.Account
		subscription      string
		verificationToken sql.NullString
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&subscription,
		&verificationToken,
		&account.Verified,
		&account.Token,
		&account.AvatarURL,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, fmt.Errorf("db error: %w", err)
	}
	account.Subscription = types.Subscription(subscription)
	account.VerificationToken = verificationToken.String
	return account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, email))
}

func (r *AccountRepository) GetByVerificationToken(ctx context.Context, token string) (types.Account, error) {
	if token == "" {
		return types.Account{}, ErrNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE verification_token = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, token))
}

// Create inserts a new account. A duplicate email is reported as ErrConflict;
// the unique index on email is what guards concurrent registrations.
func (r *AccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	const query = `
		INSERT INTO accounts (id, email, password_hash, subscription, verification_token, verified, token, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		account.ID,
		account.Email,
		account.PasswordHash,
		string(account.Subscription),
		account.VerificationToken,
		account.Verified,
		account.Token,
		account.AvatarURL,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return types.Account{}, ErrConflict
		}
		return types.Account{}, fmt.Errorf("db error: %w", err)
	}
	return account, nil
}

// SetToken replaces the session token of the account. An empty token logs
// the account out.
func (r *AccountRepository) SetToken(ctx context.Context, id, token string) error {
	const query = `UPDATE accounts SET token = $1, updated_at = $2 WHERE id = $3`
	return r.exec(ctx, query, token, time.Now().UTC(), id)
}

// MarkVerified flips the verified flag and clears the verification token in
// a single statement. It matches on the token so that only one caller can
// consume it.
func (r *AccountRepository) MarkVerified(ctx context.Context, verificationToken string) error {
	const query = `
		UPDATE accounts
		SET verified = TRUE,
			verification_token = NULL,
			updated_at = $1
		WHERE verification_token = $2 AND verified = FALSE`
	return r.exec(ctx, query, time.Now().UTC(), verificationToken)
}

func (r *AccountRepository) SetAvatarURL(ctx context.Context, id, avatarURL string) error {
	const query = `UPDATE accounts SET avatar_url = $1, updated_at = $2 WHERE id = $3`
	return r.exec(ctx, query, avatarURL, time.Now().UTC(), id)
}

func (r *AccountRepository) SetSubscription(ctx context.Context, id string, subscription types.Subscription) (types.Account, error) {
	query := `
		UPDATE accounts
		SET subscription = $1,
			updated_at = $2
		WHERE id = $3
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRowContext(ctx, query, string(subscription), time.Now().UTC(), id))
}

func (r *AccountRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
