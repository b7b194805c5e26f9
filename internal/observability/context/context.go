package context

import (
	stdctx "context"
	"strings"
)

type requestIDKey struct{}
type ownerIDKey struct{}
type experimentIDKey struct{}
type actorKey struct{}

type actor struct {
	actorType string
	actorID   string
}

func WithRequestID(ctx stdctx.Context, requestID string) stdctx.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return stdctx.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx stdctx.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithOwnerID(ctx stdctx.Context, ownerID string) stdctx.Context {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ctx
	}
	return stdctx.WithValue(ctx, ownerIDKey{}, ownerID)
}

func OwnerIDFromContext(ctx stdctx.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(ownerIDKey{}).(string)
	return value
}

func WithExperimentID(ctx stdctx.Context, experimentID string) stdctx.Context {
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return ctx
	}
	return stdctx.WithValue(ctx, experimentIDKey{}, experimentID)
}

func ExperimentIDFromContext(ctx stdctx.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(experimentIDKey{}).(string)
	return value
}

// WithActor records who initiated the work: "owner", "system", ...
func WithActor(ctx stdctx.Context, actorType, actorID string) stdctx.Context {
	return stdctx.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx stdctx.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.actorType, value.actorID
}
