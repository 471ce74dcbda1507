package server

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidCredentials = errors.New("server: invalid credentials")

type authenticatedIdentity struct {
	Email    string
	RoleSlug string
}

type identityProvider interface {
	AuthenticatePassword(ctx context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error)
}

type pgIdentityProvider struct {
	q queryRower
}

func newPGIdentityProvider(pool *pgxpool.Pool) identityProvider {
	return &pgIdentityProvider{q: pool}
}

func (p *pgIdentityProvider) AuthenticatePassword(ctx context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var passwordHash string
	var roleSlug string
	err := p.q.QueryRow(ctx, `
SELECT c.password_hash, c.role_slug
FROM iam.credentials c
WHERE c.tenant_id = $1::uuid AND c.email = $2 AND c.is_active = true
`, tenant.ID, email).Scan(&passwordHash, &roleSlug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authenticatedIdentity{}, errInvalidCredentials
		}
		return authenticatedIdentity{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return authenticatedIdentity{}, errInvalidCredentials
	}

	return authenticatedIdentity{
		Email:    email,
		RoleSlug: strings.ToLower(strings.TrimSpace(roleSlug)),
	}, nil
}

type memoryIdentityProvider struct {
	// keyed by tenantID + "|" + email
	byKey map[string]memoryIdentity
}

type memoryIdentity struct {
	PasswordHash []byte
	RoleSlug     string
}

func newMemoryIdentityProvider() *memoryIdentityProvider {
	return &memoryIdentityProvider{byKey: map[string]memoryIdentity{}}
}

func (p *memoryIdentityProvider) register(tenantID string, email string, password string, roleSlug string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	key := tenantID + "|" + strings.ToLower(strings.TrimSpace(email))
	p.byKey[key] = memoryIdentity{PasswordHash: hash, RoleSlug: roleSlug}
	return nil
}

func (p *memoryIdentityProvider) AuthenticatePassword(_ context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	ident, ok := p.byKey[tenant.ID+"|"+email]
	if !ok {
		return authenticatedIdentity{}, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(ident.PasswordHash, []byte(password)); err != nil {
		return authenticatedIdentity{}, errInvalidCredentials
	}
	return authenticatedIdentity{Email: email, RoleSlug: ident.RoleSlug}, nil
}
