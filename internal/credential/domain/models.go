// Package domain contains the owner credential model and its store contract.
package domain

import (
	"context"
	"errors"
	"time"
)

// Credential is an owner's revocable bearer/refresh token pair.
type Credential struct {
	OwnerID      string     `gorm:"primaryKey;type:varchar(128)"`
	AccessToken  string     `gorm:"type:text;not null"`
	RefreshToken string     `gorm:"type:text;not null"`
	ExpiresAt    time.Time  `gorm:"not null"`
	NeedsRefresh bool       `gorm:"not null"`
	RevokedAt    *time.Time `gorm:""`
	UpdatedAt    time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "owner_credentials" }

// ValidAt reports whether the access token can be used at now without refresh.
func (c *Credential) ValidAt(now time.Time, skew time.Duration) bool {
	if c == nil || c.NeedsRefresh || c.RevokedAt != nil {
		return false
	}
	return c.ExpiresAt.After(now.Add(skew))
}

type Repository interface {
	Find(ctx context.Context, ownerID string) (*Credential, error)
	Upsert(ctx context.Context, cred Credential) error
	// MarkNeedsRefresh flags the credential only while accessToken is current.
	MarkNeedsRefresh(ctx context.Context, ownerID, accessToken string) (bool, error)
	// ReplaceRefreshed stores a refreshed token pair only while
	// previousRefreshToken is still the stored one and the credential is not
	// revoked. A false result means a newer connect won.
	ReplaceRefreshed(ctx context.Context, cred Credential, previousRefreshToken string) (bool, error)
	// MarkRevoked revokes the credential only while refreshToken is current.
	MarkRevoked(ctx context.Context, ownerID, refreshToken string, at time.Time) (bool, error)
}

var (
	ErrNotConnected    = errors.New("credential_not_connected")
	ErrRevoked         = errors.New("credential_revoked")
	ErrRefreshRejected = errors.New("refresh_rejected")
	ErrRefreshFailed   = errors.New("refresh_failed")
	ErrInvalidOwner    = errors.New("invalid_owner")
	ErrInvalidToken    = errors.New("invalid_token")
)
