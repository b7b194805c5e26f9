// Package vault hands out valid platform credentials per owner.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
	"github.com/smallbiznis/headliner/internal/observability/metrics"
	obstracing "github.com/smallbiznis/headliner/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tracerName = "headliner/credential"

// Vault caches credentials and refreshes them on demand. Concurrent refreshes
// for one owner collapse into a single exchange.
type Vault struct {
	repo      credentialdomain.Repository
	exchanger Exchanger
	tuning    *config.TuningHolder
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu    sync.Mutex
	cache map[string]credentialdomain.Credential
	group singleflight.Group
}

type Params struct {
	fx.In

	Repo      credentialdomain.Repository
	Exchanger Exchanger
	Tuning    *config.TuningHolder
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

func New(p Params) *Vault {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Vault{
		repo:      p.Repo,
		exchanger: p.Exchanger,
		tuning:    p.Tuning,
		clock:     clk,
		metrics:   p.Metrics,
		log:       log.Named("credential.vault"),
		cache:     make(map[string]credentialdomain.Credential),
	}
}

// GetValid returns a credential whose access token is usable now.
func (v *Vault) GetValid(ctx context.Context, ownerID string) (*credentialdomain.Credential, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, credentialdomain.ErrInvalidOwner
	}

	if cred, ok := v.cached(ownerID); ok {
		return cred, nil
	}

	ch := v.group.DoChan(ownerID, func() (any, error) {
		return v.load(context.WithoutCancel(ctx), ownerID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := res.Val.(credentialdomain.Credential)
		return &cred, nil
	}
}

// Invalidate forces the next GetValid to refresh, provided rejected is still
// the current access token. A token already replaced by a refresh is ignored.
func (v *Vault) Invalidate(ctx context.Context, ownerID, rejected string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return credentialdomain.ErrInvalidOwner
	}

	flagged, err := v.repo.MarkNeedsRefresh(ctx, ownerID, rejected)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if cred, ok := v.cache[ownerID]; ok && cred.AccessToken == rejected {
		cred.NeedsRefresh = true
		v.cache[ownerID] = cred
	}
	v.mu.Unlock()

	if flagged {
		v.log.Info("credential invalidated", zap.String("owner_id", ownerID))
	}
	return nil
}

// Connect stores a freshly authorized token pair for the owner.
func (v *Vault) Connect(ctx context.Context, cred credentialdomain.Credential) (*credentialdomain.Credential, error) {
	cred.OwnerID = strings.TrimSpace(cred.OwnerID)
	if cred.OwnerID == "" {
		return nil, credentialdomain.ErrInvalidOwner
	}
	if strings.TrimSpace(cred.AccessToken) == "" || strings.TrimSpace(cred.RefreshToken) == "" {
		return nil, credentialdomain.ErrInvalidToken
	}
	now := v.clock.Now().UTC()
	if !cred.ExpiresAt.After(now) {
		return nil, credentialdomain.ErrInvalidToken
	}
	cred.NeedsRefresh = false
	cred.RevokedAt = nil
	cred.UpdatedAt = now

	if err := v.repo.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	v.store(cred)
	v.log.Info("credential connected", zap.String("owner_id", cred.OwnerID), zap.Time("expires_at", cred.ExpiresAt))
	return &cred, nil
}

func (v *Vault) cached(ownerID string) (*credentialdomain.Credential, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cred, ok := v.cache[ownerID]
	if !ok || !cred.ValidAt(v.clock.Now(), v.tuning.Get().TokenRefreshSkew) {
		return nil, false
	}
	return &cred, true
}

func (v *Vault) store(cred credentialdomain.Credential) {
	v.mu.Lock()
	v.cache[cred.OwnerID] = cred
	v.mu.Unlock()
}

func (v *Vault) forget(ownerID string) {
	v.mu.Lock()
	delete(v.cache, ownerID)
	v.mu.Unlock()
}

// forgetToken drops the cached credential unless a connect has already
// replaced refreshToken.
func (v *Vault) forgetToken(ownerID, refreshToken string) {
	v.mu.Lock()
	if cred, ok := v.cache[ownerID]; ok && cred.RefreshToken == refreshToken {
		delete(v.cache, ownerID)
	}
	v.mu.Unlock()
}

// load reads the stored credential and refreshes it when it is close to
// expiry or flagged.
func (v *Vault) load(ctx context.Context, ownerID string) (credentialdomain.Credential, error) {
	tuning := v.tuning.Get()
	ctx, cancel := context.WithTimeout(ctx, tuning.RefreshTimeout)
	defer cancel()

	stored, err := v.repo.Find(ctx, ownerID)
	if err != nil {
		return credentialdomain.Credential{}, err
	}
	if stored == nil {
		return credentialdomain.Credential{}, credentialdomain.ErrNotConnected
	}
	if stored.RevokedAt != nil {
		v.forget(ownerID)
		return credentialdomain.Credential{}, credentialdomain.ErrRevoked
	}

	now := v.clock.Now()
	if stored.ValidAt(now, tuning.TokenRefreshSkew) {
		v.store(*stored)
		return *stored, nil
	}

	refreshed, err := v.refresh(ctx, *stored)
	if err != nil {
		return credentialdomain.Credential{}, err
	}
	return refreshed, nil
}

func (v *Vault) refresh(ctx context.Context, stored credentialdomain.Credential) (_ credentialdomain.Credential, err error) {
	ctx, span := obstracing.StartClientSpan(ctx, tracerName, "credential.refresh",
		attribute.String("owner_id", stored.OwnerID),
	)
	defer func() { obstracing.EndSpan(span, err) }()

	token, err := v.exchanger.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		if errors.Is(err, credentialdomain.ErrRefreshRejected) {
			v.metrics.RecordTokenRefresh(ctx, "rejected")
			now := v.clock.Now().UTC()
			revoked, markErr := v.repo.MarkRevoked(ctx, stored.OwnerID, stored.RefreshToken, now)
			if markErr != nil {
				v.log.Warn("mark credential revoked failed", zap.String("owner_id", stored.OwnerID), zap.Error(markErr))
			}
			if markErr == nil && !revoked {
				v.log.Info("rejected refresh token already replaced", zap.String("owner_id", stored.OwnerID))
				return v.current(ctx, stored.OwnerID, err)
			}
			v.forgetToken(stored.OwnerID, stored.RefreshToken)
			v.log.Warn("refresh token rejected", zap.String("owner_id", stored.OwnerID), zap.Error(obstracing.SafeError(err)))
			return credentialdomain.Credential{}, err
		}
		v.metrics.RecordTokenRefresh(ctx, "failed")
		v.log.Warn("token refresh failed", zap.String("owner_id", stored.OwnerID), zap.Error(obstracing.SafeError(err)))
		return credentialdomain.Credential{}, fmt.Errorf("%w: %v", credentialdomain.ErrRefreshFailed, err)
	}

	now := v.clock.Now().UTC()
	updated := stored
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.ExpiresAt = now.Add(token.ExpiresIn)
	updated.NeedsRefresh = false
	updated.UpdatedAt = now

	replaced, err := v.repo.ReplaceRefreshed(ctx, updated, stored.RefreshToken)
	if err != nil {
		v.metrics.RecordTokenRefresh(ctx, "failed")
		return credentialdomain.Credential{}, fmt.Errorf("%w: persist: %v", credentialdomain.ErrRefreshFailed, err)
	}
	if !replaced {
		v.log.Info("refreshed credential superseded", zap.String("owner_id", stored.OwnerID))
		return v.current(ctx, stored.OwnerID, credentialdomain.ErrRefreshFailed)
	}
	v.store(updated)
	v.metrics.RecordTokenRefresh(ctx, "refreshed")
	v.log.Info("credential refreshed", zap.String("owner_id", stored.OwnerID), zap.Time("expires_at", updated.ExpiresAt))
	return updated, nil
}

// current returns the stored credential after a refresh lost to a newer
// connect. fallback is returned when that credential is not usable either.
func (v *Vault) current(ctx context.Context, ownerID string, fallback error) (credentialdomain.Credential, error) {
	stored, err := v.repo.Find(ctx, ownerID)
	if err != nil {
		return credentialdomain.Credential{}, err
	}
	if stored == nil {
		return credentialdomain.Credential{}, credentialdomain.ErrNotConnected
	}
	if stored.RevokedAt != nil {
		return credentialdomain.Credential{}, credentialdomain.ErrRevoked
	}
	if !stored.ValidAt(v.clock.Now(), v.tuning.Get().TokenRefreshSkew) {
		return credentialdomain.Credential{}, fallback
	}
	v.store(*stored)
	return *stored, nil
}
