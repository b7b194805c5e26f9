package repository

import (
	"context"
	"time"

	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func Provide(conn *gorm.DB) credentialdomain.Repository {
	return &repo{db: conn}
}

func (r *repo) Find(ctx context.Context, ownerID string) (*credentialdomain.Credential, error) {
	var rows []credentialdomain.Credential
	if err := r.db.WithContext(ctx).Raw(
		`SELECT owner_id, access_token, refresh_token, expires_at, needs_refresh, revoked_at, updated_at
		FROM owner_credentials WHERE owner_id = ?`,
		ownerID,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) Upsert(ctx context.Context, cred credentialdomain.Credential) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at", "needs_refresh", "revoked_at", "updated_at",
		}),
	}).Create(&cred).Error
}

func (r *repo) MarkNeedsRefresh(ctx context.Context, ownerID, accessToken string) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE owner_credentials SET needs_refresh = ?, updated_at = ?
		WHERE owner_id = ? AND access_token = ?`,
		true,
		time.Now().UTC(),
		ownerID,
		accessToken,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ReplaceRefreshed(ctx context.Context, cred credentialdomain.Credential, previousRefreshToken string) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE owner_credentials
		SET access_token = ?, refresh_token = ?, expires_at = ?, needs_refresh = ?, updated_at = ?
		WHERE owner_id = ? AND refresh_token = ? AND revoked_at IS NULL`,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		false,
		cred.UpdatedAt,
		cred.OwnerID,
		previousRefreshToken,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkRevoked(ctx context.Context, ownerID, refreshToken string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE owner_credentials SET revoked_at = ?, updated_at = ?
		WHERE owner_id = ? AND refresh_token = ?`,
		at,
		at,
		ownerID,
		refreshToken,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
