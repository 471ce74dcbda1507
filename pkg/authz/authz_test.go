package authz

import (
	"os"
	"path/filepath"
	"testing"
)

const testModel = `[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (r.dom == p.dom || p.dom == "*") && r.obj == p.obj && r.act == p.act
`

const testPolicy = `p, role:tenant-admin, *, crm.orders, read
p, role:tenant-admin, *, crm.orders, write
p, role:tenant-viewer, *, crm.orders, read
`

func writeAuthzFixtures(t *testing.T) (modelPath string, policyPath string) {
	t.Helper()
	dir := t.TempDir()
	modelPath = filepath.Join(dir, "model.conf")
	policyPath = filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(testModel), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	return modelPath, policyPath
}

func TestModeFromEnv(t *testing.T) {
	t.Run("default enforce", func(t *testing.T) {
		t.Setenv("AUTHZ_MODE", "")
		mode, err := ModeFromEnv()
		if err != nil {
			t.Fatal(err)
		}
		if mode != ModeEnforce {
			t.Fatalf("expected enforce, got %q", mode)
		}
	})
	t.Run("shadow", func(t *testing.T) {
		t.Setenv("AUTHZ_MODE", "shadow")
		mode, err := ModeFromEnv()
		if err != nil {
			t.Fatal(err)
		}
		if mode != ModeShadow {
			t.Fatalf("expected shadow, got %q", mode)
		}
	})
	t.Run("disabled requires opt-in", func(t *testing.T) {
		t.Setenv("AUTHZ_MODE", "disabled")
		t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
		if _, err := ModeFromEnv(); err == nil {
			t.Fatal("expected error")
		}
		t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
		mode, err := ModeFromEnv()
		if err != nil {
			t.Fatal(err)
		}
		if mode != ModeDisabled {
			t.Fatalf("expected disabled, got %q", mode)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		t.Setenv("AUTHZ_MODE", "permit-all")
		if _, err := ModeFromEnv(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestAuthorizeEnforce(t *testing.T) {
	modelPath, policyPath := writeAuthzFixtures(t)
	a, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatal(err)
	}

	allowed, enforced, err := a.Authorize(SubjectFromRoleSlug(RoleTenantViewer), "t1", ObjectCRMOrders, ActionRead)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed || !enforced {
		t.Fatalf("viewer read: allowed=%v enforced=%v", allowed, enforced)
	}

	allowed, enforced, err = a.Authorize(SubjectFromRoleSlug(RoleTenantViewer), "t1", ObjectCRMOrders, ActionWrite)
	if err != nil {
		t.Fatal(err)
	}
	if allowed || !enforced {
		t.Fatalf("viewer write: allowed=%v enforced=%v", allowed, enforced)
	}
}

func TestAuthorizeShadowNeverEnforces(t *testing.T) {
	modelPath, policyPath := writeAuthzFixtures(t)
	a, err := NewAuthorizer(modelPath, policyPath, ModeShadow)
	if err != nil {
		t.Fatal(err)
	}
	allowed, enforced, err := a.Authorize(SubjectFromRoleSlug(RoleAnonymous), "t1", ObjectCRMOrders, ActionWrite)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("anonymous write should not be allowed")
	}
	if enforced {
		t.Fatal("shadow mode must not enforce")
	}
}

func TestSubjectFromRoleSlug(t *testing.T) {
	if got := SubjectFromRoleSlug("  Tenant-Admin "); got != "role:tenant-admin" {
		t.Fatalf("got %q", got)
	}
	if got := SubjectFromRoleSlug(""); got != "role:anonymous" {
		t.Fatalf("got %q", got)
	}
}
