package auth

import "context"

type principalKey struct{}
type tokenKey struct{}

// ContextWithPrincipal attaches the authenticated principal and its raw token.
func ContextWithPrincipal(ctx context.Context, p Principal, token string) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	if token != "" {
		ctx = context.WithValue(ctx, tokenKey{}, token)
	}
	return ctx
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokenFromContext returns the bearer token the principal was decoded from.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
