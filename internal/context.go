package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "gateway_data"
)

// Identity is the authenticated caller attached to a request by the auth
// middleware. It is the sole channel through which downstream handlers
// learn who is calling.
type Identity struct {
	UserID      string
	TenantID    string
	DeviceID    string
	SessionID   string
	Role        string
	Permissions []string
}

// HasPermission reports whether the identity carries the named permission
// or the wildcard.
func (id *Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// logging metadata for a single request
type data struct {
	requestID     string
	identity      *Identity
	entity        string
	serverVersion int64
	numProcessed  int
	numConflicts  int
}

// prepare a request context so it can contain gateway info
func RequestContext(ctx context.Context, requestID string) context.Context {
	d := &data{
		requestID:     requestID,
		serverVersion: -1,
		numProcessed:  -1,
		numConflicts:  -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// attach the authenticated identity to this request context. Need to have
// called RequestContext first.
func SetRequestContextIdentity(ctx context.Context, identity *Identity) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.identity = identity
}

// IdentityFromContext returns the identity set by the auth middleware, or
// nil for unauthenticated requests.
func IdentityFromContext(ctx context.Context) *Identity {
	d := ctx.Value(ctxData)
	if d == nil {
		return nil
	}
	return d.(*data).identity
}

func SetRequestContextSyncInfo(ctx context.Context, entity string, serverVersion int64, numProcessed, numConflicts int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.entity = entity
	da.serverVersion = serverVersion
	da.numProcessed = numProcessed
	da.numConflicts = numConflicts
}

// RequestID returns the id assigned to this request, or "" if the context
// was never prepared.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	d := ctx.Value(ctxData)
	if d == nil {
		return ""
	}
	return d.(*data).requestID
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	if ctx == nil {
		return l
	}
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.requestID != "" {
		l = l.Str("req", da.requestID)
	}
	if da.identity != nil {
		l = l.Str("u", da.identity.UserID)
		l = l.Str("tn", da.identity.TenantID)
		l = l.Str("dev", da.identity.DeviceID)
	}
	if da.entity != "" {
		l = l.Str("e", da.entity)
	}
	if da.serverVersion >= 0 {
		l = l.Int64("v", da.serverVersion)
	}
	if da.numProcessed >= 0 {
		l = l.Int("p", da.numProcessed)
	}
	if da.numConflicts > 0 {
		l = l.Int("c", da.numConflicts)
	}
	return l
}
