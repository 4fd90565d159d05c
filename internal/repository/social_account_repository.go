package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/marqly/publisher/internal/models"
)

type SocialAccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	ListByTimeInterval(ctx context.Context, initialTime, finalTime time.Time) ([]*models.SocialAccount, error)
	SetToken(ctx context.Context, accountID int64, accessToken, refreshToken string, expiresAt time.Time) error
}

type socialAccountRepository struct {
	db *sql.DB
}

func NewSocialAccountRepository(db *sql.DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

const accountColumns = `id, user_id, platform, account_id, account_name, account_username, access_token, refresh_token, token_expires_at, created_at, updated_at`

func (r *socialAccountRepository) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM social_accounts WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)

	var sa models.SocialAccount
	err := row.Scan(&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountID, &sa.AccountName,
		&sa.AccountUsername, &sa.AccessToken, &sa.RefreshToken, &sa.TokenExpiresAt,
		&sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}

	return &sa, nil
}

// ListByTimeInterval returns accounts whose token expiry falls inside the
// window or is already past; the token refresh job feeds on this.
func (r *socialAccountRepository) ListByTimeInterval(ctx context.Context, initialTime, finalTime time.Time) ([]*models.SocialAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM social_accounts
		WHERE (token_expires_at BETWEEN $1 AND $2)
		OR (token_expires_at < $1)`

	rows, err := r.db.QueryContext(ctx, query, initialTime, finalTime)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.SocialAccount
	for rows.Next() {
		var sa models.SocialAccount
		err := rows.Scan(&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountID, &sa.AccountName,
			&sa.AccountUsername, &sa.AccessToken, &sa.RefreshToken, &sa.TokenExpiresAt,
			&sa.CreatedAt, &sa.UpdatedAt)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, &sa)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	return accounts, nil
}

// SetToken persists refreshed credentials. Empty strings keep the stored
// value, so platforms that do not rotate the refresh token keep the old one.
func (r *socialAccountRepository) SetToken(ctx context.Context, accountID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer tx.Rollback()

	query := `UPDATE social_accounts
		SET
			access_token = COALESCE(NULLIF($2, ''), access_token),
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			token_expires_at = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	result, err := tx.ExecContext(ctx, query, accountID, accessToken, refreshToken, expiresAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	if affected != 1 {
		slog.Info("no rows affected; account may not exist")
		return errors.New("no rows affected; account may not exist")
	}

	if err = tx.Commit(); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
