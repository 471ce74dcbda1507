package server

import "context"

type tenantCtxKey struct{}

// withTenant stores the resolved tenant on the request context. Every
// handler reads it back through currentTenant; there is no ambient
// "selected organization" state anywhere else.
func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(Tenant)
	return t, ok
}
