/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import "context"

type contextKey string

const claimsContextKey contextKey = "actuatorClaims"

// WithClaims attaches JWT claims to the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves JWT claims from context if present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok && claims != nil
}

// AgentMatches reports whether requesterID may act in ctx. Without claims any
// requester is allowed.
func AgentMatches(ctx context.Context, requesterID string) bool {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return true
	}
	return claims.HasRole(RoleAdmin) || claims.AgentID == requesterID
}
