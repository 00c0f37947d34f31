package core

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/putto11262002/courierlink/pkg/router"
)

const (
	key            identityKey = "identity"
	AuthCookieName             = "auth_token"
	tokenQueryKey              = "token"
)

type identityKey = string

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, key, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(key).(Identity)
	return identity, ok
}

// IdentityFromRequest extracts the identity from the request context.
// It must be called in handlers that are protected by the BearerMiddleware.
// It panics if the identity is not found in the request context.
func IdentityFromRequest(r *http.Request) Identity {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		panic("identity not found in request context: call this function in handlers that are protected by BearerMiddleware")
	}
	return identity
}

// TokenFromRequest looks for the credential in the Authorization header, then the
// token query parameter (browsers cannot set headers on websocket upgrades), then the
// auth cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	return ""
}

// BearerMiddleware authenticates the request and attaches the identity to the request context.
// The identity is guaranteed to be attached to the request context for subsequent handlers.
func BearerMiddleware(a Authenticator) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			identity, err := a.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				return err
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
			return nil
		}
	}
}

// RequireRole rejects identities whose role is not listed. It must run after BearerMiddleware.
func RequireRole(roles ...Role) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				return ErrUnauthenticated
			}
			if !slices.Contains(roles, identity.Role) {
				return ErrForbidden
			}
			next.ServeHTTP(w, r)
			return nil
		}
	}
}
