// Package context carries request-scoped identifiers used for log and span correlation.
package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type ownerKey struct{}
type actorKey struct{}

type ownerRef struct {
	ownerType string
	ownerID   string
}

type actorRef struct {
	actorType string
	actorID   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithOwner tags the context with the credit owner being operated on.
func WithOwner(ctx context.Context, ownerType, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerRef{
		ownerType: strings.TrimSpace(ownerType),
		ownerID:   strings.TrimSpace(ownerID),
	})
}

func OwnerFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	ref, _ := ctx.Value(ownerKey{}).(ownerRef)
	return ref.ownerType, ref.ownerID
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorRef{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	ref, _ := ctx.Value(actorKey{}).(actorRef)
	return ref.actorType, ref.actorID
}
