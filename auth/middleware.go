package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/token"
)

// bearerToken extracts the credential from the Authorization header.
func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware rejects requests without a valid access token and attaches
// the caller's identity to the request context for downstream handlers.
// Verification is stateless: revocation is only consulted on refresh, so
// a revoked device keeps its access for at most the access TTL.
func Middleware(codec *token.Codec) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			cred, ok := bearerToken(req)
			if !ok {
				internal.WriteError(w, req, internal.Errorf(internal.ErrAuthInvalidToken, "missing or malformed bearer credential"))
				return
			}
			claims, err := codec.Verify(cred, token.KindAccess)
			if err != nil {
				// preserve the expired/invalid distinction: expired is
				// retryable via the refresh flow, invalid is not
				code := internal.ErrAuthInvalidToken
				if errors.Is(err, token.ErrExpiredToken) {
					code = internal.ErrAuthTokenExpired
				}
				internal.WriteError(w, req, internal.NewHandlerError(code, err))
				return
			}
			p := claims.Payload()
			internal.SetRequestContextIdentity(req.Context(), &internal.Identity{
				UserID:      p.UserID,
				TenantID:    p.TenantID,
				DeviceID:    p.DeviceID,
				SessionID:   p.SessionID,
				Role:        p.Role,
				Permissions: p.Permissions,
			})
			next.ServeHTTP(w, req)
		})
	}
}
