package server

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryIdentityProvider(t *testing.T) {
	idp := newMemoryIdentityProvider()
	if err := idp.register(testTenantID, "Admin@Example.Invalid", "secret", "tenant-admin"); err != nil {
		t.Fatal(err)
	}

	tenant := Tenant{ID: testTenantID, Domain: "localhost"}
	ctx := context.Background()

	// Email matching is case and whitespace insensitive.
	ident, err := idp.AuthenticatePassword(ctx, tenant, "  admin@example.invalid ", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if ident.Email != "admin@example.invalid" || ident.RoleSlug != "tenant-admin" {
		t.Fatalf("ident=%+v", ident)
	}

	if _, err := idp.AuthenticatePassword(ctx, tenant, "admin@example.invalid", "wrong"); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("err=%v", err)
	}
	if _, err := idp.AuthenticatePassword(ctx, tenant, "ghost@example.invalid", "secret"); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("err=%v", err)
	}

	// Credentials are tenant scoped.
	other := Tenant{ID: "00000000-0000-0000-0000-000000000002", Domain: "other"}
	if _, err := idp.AuthenticatePassword(ctx, other, "admin@example.invalid", "secret"); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("err=%v", err)
	}
}
