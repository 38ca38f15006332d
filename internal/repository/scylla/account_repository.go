package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const (
	claimPhoneCQL     = `INSERT INTO accounts_by_phone (phone_hash, account_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`
	releasePhoneCQL   = `DELETE FROM accounts_by_phone WHERE phone_hash = ? IF account_id = ?`
	insertAccountCQL  = `INSERT INTO accounts (account_id, phone_hash, phone_encrypted, phone_dek, phone_key_id, email,
		display_name, password_hash, phone_verified_at, is_blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectAccountCQL  = `SELECT account_id, phone_hash, phone_encrypted, phone_dek, phone_key_id, email, display_name,
		password_hash, phone_verified_at, is_blocked, created_at, updated_at FROM accounts WHERE account_id = ?`
	selectPhoneCQL    = `SELECT account_id FROM accounts_by_phone WHERE phone_hash = ?`
	updatePasswordCQL = `UPDATE accounts SET password_hash = ?, updated_at = ? WHERE account_id = ?`
)

type AccountRepository struct {
	client *ScyllaClient
}

var _ repository.AccountRepository = (*AccountRepository)(nil)

func NewAccountRepository(client *ScyllaClient) *AccountRepository {
	return &AccountRepository{client: client}
}

// Create claims the phone hash with a lightweight transaction before writing
// the account row, so two concurrent registrations cannot both succeed.
func (r *AccountRepository) Create(ctx context.Context, a *models.Account) error {
	applied, err := r.client.ExecCAS(ctx, claimPhoneCQL, a.PhoneHash, a.AccountID, a.CreatedAt)
	if err != nil {
		util.Error("Failed to claim phone for account", zap.String("account_id", a.AccountID), zap.Error(err))
		return fmt.Errorf("failed to claim phone: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}

	err = r.client.ExecuteWithRetry(ctx, insertAccountCQL,
		a.AccountID, a.PhoneHash, a.PhoneEncrypted, a.PhoneDEK, a.PhoneKeyID, a.Email,
		a.DisplayName, a.PasswordHash, a.PhoneVerifiedAt, a.IsBlocked, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if _, relErr := r.client.ExecCAS(ctx, releasePhoneCQL, a.PhoneHash, a.AccountID); relErr != nil {
			util.Error("Failed to release phone claim", zap.String("account_id", a.AccountID), zap.Error(relErr))
		}
		util.Error("Failed to create account", zap.String("account_id", a.AccountID), zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created", zap.String("account_id", a.AccountID))
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	a := &models.Account{}
	err := r.client.Scan(ctx, selectAccountCQL, []interface{}{accountID},
		&a.AccountID, &a.PhoneHash, &a.PhoneEncrypted, &a.PhoneDEK, &a.PhoneKeyID, &a.Email, &a.DisplayName,
		&a.PasswordHash, &a.PhoneVerifiedAt, &a.IsBlocked, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get account", zap.String("account_id", accountID), zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) GetByPhoneHash(ctx context.Context, phoneHash string) (*models.Account, error) {
	var accountID string
	if err := r.client.Scan(ctx, selectPhoneCQL, []interface{}{phoneHash}, &accountID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve phone: %w", err)
	}
	return r.GetByID(ctx, accountID)
}

func (r *AccountRepository) UpdatePassword(ctx context.Context, accountID, passwordHash string, at time.Time) error {
	if err := r.client.ExecuteWithRetry(ctx, updatePasswordCQL, passwordHash, at, accountID); err != nil {
		util.Error("Failed to update password", zap.String("account_id", accountID), zap.Error(err))
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}
