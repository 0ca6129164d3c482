package auth

import (
	"context"

	"github.com/haasonsaas/crossquery/pkg/models"
)

type principalContextKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom retrieves the request principal from the context.
func PrincipalFrom(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*models.Principal)
	return p, ok
}

// PrincipalID returns the principal id, or the anonymous id when the
// context carries none.
func PrincipalID(ctx context.Context) string {
	if p, ok := PrincipalFrom(ctx); ok {
		return p.ID
	}
	return models.AnonymousPrincipal
}
