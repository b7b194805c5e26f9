package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/headliner/internal/config"
	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
	"github.com/smallbiznis/headliner/internal/credential/vault"
	"github.com/smallbiznis/headliner/internal/observability/metrics"
	"github.com/smallbiznis/headliner/internal/quota"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// CredentialSource is the part of the token vault the gateway needs.
type CredentialSource interface {
	GetValid(ctx context.Context, ownerID string) (*credentialdomain.Credential, error)
	Invalidate(ctx context.Context, ownerID, rejected string) error
}

var _ CredentialSource = (*vault.Vault)(nil)

// Gateway runs platform calls for an owner: credential, quota admission,
// a bounded call, and one retry after a rejected token is refreshed.
type Gateway struct {
	creds   CredentialSource
	ledger  quota.Ledger
	client  Client
	tuning  *config.TuningHolder
	metrics *metrics.Metrics
	log     *zap.Logger
}

type Params struct {
	fx.In

	Vault   *vault.Vault
	Ledger  quota.Ledger
	Client  Client
	Tuning  *config.TuningHolder
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

func NewGateway(p Params) *Gateway {
	return newGateway(p.Vault, p.Ledger, p.Client, p.Tuning, p.Metrics, p.Log)
}

func newGateway(creds CredentialSource, ledger quota.Ledger, client Client, tuning *config.TuningHolder, m *metrics.Metrics, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		creds:   creds,
		ledger:  ledger,
		client:  client,
		tuning:  tuning,
		metrics: m,
		log:     log.Named("platform.gateway"),
	}
}

func (g *Gateway) SetTitle(ctx context.Context, ownerID, videoID, title string) error {
	_, err := g.run(ctx, OpSetTitle, ownerID, g.tuning.Get().SetTitleCost, func(ctx context.Context, token string) (*Snapshot, error) {
		return nil, g.client.SetTitle(ctx, token, videoID, title)
	})
	return err
}

func (g *Gateway) GetSnapshot(ctx context.Context, ownerID, videoID string) (*Snapshot, error) {
	return g.run(ctx, OpGetSnapshot, ownerID, g.tuning.Get().SnapshotCost, func(ctx context.Context, token string) (*Snapshot, error) {
		return g.client.GetSnapshot(ctx, token, videoID)
	})
}

type call func(ctx context.Context, accessToken string) (*Snapshot, error)

func (g *Gateway) run(ctx context.Context, op, ownerID string, cost int64, fn call) (*Snapshot, error) {
	snap, token, err := g.attempt(ctx, op, ownerID, cost, fn)
	if err == nil || !tokenRejected(err) {
		return snap, err
	}

	if invErr := g.creds.Invalidate(ctx, ownerID, token); invErr != nil {
		g.log.Warn("invalidate credential failed", zap.String("owner_id", ownerID), zap.Error(invErr))
		return nil, err
	}
	g.log.Info("platform rejected token, retrying after refresh",
		zap.String("operation", op),
		zap.String("owner_id", ownerID),
	)
	snap, _, err = g.attempt(ctx, op, ownerID, cost, fn)
	return snap, err
}

func (g *Gateway) attempt(ctx context.Context, op, ownerID string, cost int64, fn call) (*Snapshot, string, error) {
	cred, err := g.creds.GetValid(ctx, ownerID)
	if err != nil {
		return nil, "", classifyCredentialError(op, err)
	}

	reservation, err := g.ledger.CheckAndReserve(ctx, ownerID, cost)
	if err != nil {
		return nil, cred.AccessToken, &Error{Class: ClassTransient, Op: op, Err: fmt.Errorf("quota ledger: %w", err)}
	}
	g.metrics.RecordQuotaDecision(ctx, op, reservation.Admitted)
	if !reservation.Admitted {
		return nil, cred.AccessToken, &Error{
			Class: ClassQuota,
			Op:    op,
			Err:   fmt.Errorf("daily quota exhausted: %d of %d units used, call costs %d", reservation.Consumed, reservation.Limit, cost),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.tuning.Get().CallTimeout)
	defer cancel()

	start := time.Now()
	snap, err := fn(callCtx, cred.AccessToken)
	g.metrics.RecordPlatformCall(ctx, op, string(ClassOf(err)), time.Since(start))
	if err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			err = &Error{Class: ClassTransient, Op: op, Err: fmt.Errorf("call timed out: %w", err)}
		}
		g.log.Warn("platform call failed",
			zap.String("operation", op),
			zap.String("owner_id", ownerID),
			zap.String("class", string(ClassOf(err))),
			zap.Error(err),
		)
		return nil, cred.AccessToken, err
	}
	return snap, cred.AccessToken, nil
}
