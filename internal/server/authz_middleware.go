package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nineleaf/bizdesk/internal/routing"
	"github.com/nineleaf/bizdesk/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		switch path {
		case "/health", "/healthz":
			next.ServeHTTP(w, r)
			return
		default:
			if pathHasPrefixSegment(path, "/assets") || path == "/" || pathHasPrefixSegment(path, "/app") {
				next.ServeHTTP(w, r)
				return
			}
		}

		tenant, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}

		roleSlug := authz.RoleAnonymous
		if p, ok := currentPrincipal(r.Context()); ok {
			roleSlug = p.RoleSlug
		}

		subject := authz.SubjectFromRoleSlug(roleSlug)
		domain := authz.DomainFromTenantID(tenant.ID)

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// crmEntityObjects maps the collection route segment to its authz
// object. Routes follow /crm/api/<plural> and /crm/api/<plural>/status.
var crmEntityObjects = map[string]string{
	"accounts":        authz.ObjectCRMAccounts,
	"contacts":        authz.ObjectCRMContacts,
	"leads":           authz.ObjectCRMLeads,
	"cases":           authz.ObjectCRMCases,
	"opportunities":   authz.ObjectCRMOpportunities,
	"quotes":          authz.ObjectCRMQuotes,
	"orders":          authz.ObjectCRMOrders,
	"purchase-orders": authz.ObjectCRMPurchaseOrders,
	"products":        authz.ObjectCRMProducts,
	"tasks":           authz.ObjectCRMTasks,
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	for plural, object := range crmEntityObjects {
		base := "/crm/api/" + plural
		switch path {
		case base:
			if method == http.MethodGet {
				return object, authz.ActionRead, true
			}
			if method == http.MethodPost {
				return object, authz.ActionWrite, true
			}
			return "", "", false
		case base + "/status", base + "/stage":
			if method == http.MethodPost {
				return object, authz.ActionWrite, true
			}
			return "", "", false
		case base + ":search":
			if _, searchable := searchableEntityTypes[plural]; searchable && method == http.MethodGet {
				return object, authz.ActionRead, true
			}
			return "", "", false
		}
	}

	switch path {
	case "/iam/api/sessions", "/logout":
		if method == http.MethodPost {
			return authz.ObjectIAMSession, authz.ActionWrite, true
		}
		return "", "", false
	case "/iam/api/me":
		if method == http.MethodGet {
			return authz.ObjectIAMSession, authz.ActionRead, true
		}
		return "", "", false
	case "/crm/api/tasks:reschedule", "/crm/api/tasks:toggle-done":
		if method == http.MethodPost {
			return authz.ObjectCRMTasks, authz.ActionWrite, true
		}
		return "", "", false
	case "/crm/api/search", "/crm/api/search/results":
		if method == http.MethodGet {
			return authz.ObjectCRMSearch, authz.ActionRead, true
		}
		return "", "", false
	case "/crm/api/calendar":
		if method == http.MethodGet {
			return authz.ObjectCRMCalendar, authz.ActionRead, true
		}
		return "", "", false
	case "/crm/api/settings/timezone":
		if method == http.MethodGet {
			return authz.ObjectCRMSettings, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCRMSettings, authz.ActionWrite, true
		}
		return "", "", false
	case "/ordering/api/menu-items":
		if method == http.MethodGet {
			return authz.ObjectOrderingMenuItems, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectOrderingMenuItems, authz.ActionWrite, true
		}
		return "", "", false
	case "/ordering/api/menu-items:toggle":
		if method == http.MethodPost {
			return authz.ObjectOrderingMenuItems, authz.ActionWrite, true
		}
		return "", "", false
	case "/ordering/api/orders":
		if method == http.MethodGet {
			return authz.ObjectOrderingOrders, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectOrderingOrders, authz.ActionWrite, true
		}
		return "", "", false
	case "/ordering/api/orders/status":
		if method == http.MethodPost {
			return authz.ObjectOrderingOrders, authz.ActionWrite, true
		}
		return "", "", false
	case "/notifications/api":
		if method == http.MethodGet {
			return authz.ObjectNotificationsFeed, authz.ActionRead, true
		}
		return "", "", false
	case "/notifications/api:mark-read":
		if method == http.MethodPost {
			return authz.ObjectNotificationsFeed, authz.ActionWrite, true
		}
		return "", "", false
	case "/notifications/api/preferences":
		if method == http.MethodGet {
			return authz.ObjectNotificationsSettings, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectNotificationsSettings, authz.ActionWrite, true
		}
		return "", "", false
	case "/notifications/events":
		if method == http.MethodGet {
			return authz.ObjectNotificationsFeed, authz.ActionRead, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
