package grpcx

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

// Metadata keys mirroring the HTTP X-Request-Id and X-Business-Id headers.
const (
	RequestIDMetadataKey  = "x-request-id"
	BusinessIDMetadataKey = "x-business-id"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyBusinessID
)

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// BusinessIDFromContext returns the tenant sent as x-business-id metadata, or "".
func BusinessIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyBusinessID).(string)
	return v
}

// WithBusinessID scopes outgoing calls made with ctx to a tenant.
func WithBusinessID(ctx context.Context, businessID string) context.Context {
	if businessID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyBusinessID, businessID)
}

func incoming(md metadata.MD, key string) string {
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// fromIncoming copies the request and tenant ids from incoming metadata into ctx. A missing or oversized
// request id is replaced with a fresh one.
func fromIncoming(ctx context.Context) (context.Context, string) {
	md, _ := metadata.FromIncomingContext(ctx)
	id := incoming(md, RequestIDMetadataKey)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	ctx = context.WithValue(ctx, ctxKeyRequestID, id)
	return WithBusinessID(ctx, incoming(md, BusinessIDMetadataKey)), id
}
