package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nineleaf/bizdesk/internal/routing"
	orderingports "github.com/nineleaf/bizdesk/modules/ordering/domain/ports"
	orderingpersistence "github.com/nineleaf/bizdesk/modules/ordering/infrastructure/persistence"
	orderingservices "github.com/nineleaf/bizdesk/modules/ordering/services"
	"github.com/nineleaf/bizdesk/pkg/authz"
)

//go:embed assets/*
var embeddedAssets embed.FS

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	TenancyResolver  TenancyResolver
	IdentityProvider identityProvider

	AccountStore       AccountStore
	ContactStore       ContactStore
	LeadStore          LeadStore
	CaseStore          CaseStore
	OpportunityStore   OpportunityStore
	QuoteStore         QuoteStore
	OrderStore         OrderStore
	PurchaseOrderStore PurchaseOrderStore
	ProductStore       ProductStore
	TaskStore          TaskStore
	SettingsStore      SettingsStore

	NotificationStore           NotificationStore
	NotificationPreferenceStore NotificationPreferenceStore

	MenuItemStore      orderingports.MenuItemStore
	OrderingOrderStore orderingports.OrderStore
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	accounts := opts.AccountStore
	contacts := opts.ContactStore
	leads := opts.LeadStore
	cases := opts.CaseStore
	opportunities := opts.OpportunityStore
	quotes := opts.QuoteStore
	orders := opts.OrderStore
	purchaseOrders := opts.PurchaseOrderStore
	products := opts.ProductStore
	tasks := opts.TaskStore
	settings := opts.SettingsStore
	notifications := opts.NotificationStore
	prefs := opts.NotificationPreferenceStore
	menuItems := opts.MenuItemStore
	orderingOrders := opts.OrderingOrderStore
	tenancyResolver := opts.TenancyResolver
	provider := opts.IdentityProvider

	var pgPool *pgxpool.Pool
	if accounts == nil {
		dsn := dbDSNFromEnv()
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pgPool = pool
		accounts = newAccountPGStore(pgPool)
	}

	if contacts == nil {
		if pgPool != nil {
			contacts = newContactPGStore(pgPool)
		} else {
			contacts = newContactMemoryStore()
		}
	}
	if leads == nil {
		if pgPool != nil {
			leads = newLeadPGStore(pgPool)
		} else {
			leads = newLeadMemoryStore()
		}
	}
	if cases == nil {
		if pgPool != nil {
			cases = newCasePGStore(pgPool)
		} else {
			cases = newCaseMemoryStore()
		}
	}
	if opportunities == nil {
		if pgPool != nil {
			opportunities = newOpportunityPGStore(pgPool)
		} else {
			opportunities = newOpportunityMemoryStore()
		}
	}
	if quotes == nil {
		if pgPool != nil {
			quotes = newQuotePGStore(pgPool)
		} else {
			quotes = newQuoteMemoryStore()
		}
	}
	if orders == nil {
		if pgPool != nil {
			orders = newOrderPGStore(pgPool)
		} else {
			orders = newOrderMemoryStore()
		}
	}
	if purchaseOrders == nil {
		if pgPool != nil {
			purchaseOrders = newPurchaseOrderPGStore(pgPool)
		} else {
			purchaseOrders = newPurchaseOrderMemoryStore()
		}
	}
	if products == nil {
		if pgPool != nil {
			products = newProductPGStore(pgPool)
		} else {
			products = newProductMemoryStore()
		}
	}
	if tasks == nil {
		if pgPool != nil {
			tasks = newTaskPGStore(pgPool)
		} else {
			tasks = newTaskMemoryStore()
		}
	}
	if settings == nil {
		if pgPool != nil {
			settings = newSettingsPGStore(pgPool)
		} else {
			settings = newSettingsMemoryStore()
		}
	}
	if notifications == nil {
		if pgPool != nil {
			notifications = newNotificationPGStore(pgPool)
		} else {
			notifications = newNotificationMemoryStore()
		}
	}
	if prefs == nil {
		if pgPool != nil {
			prefs = newPreferencePGStore(pgPool)
		} else {
			prefs = newPreferenceMemoryStore()
		}
	}
	if menuItems == nil || orderingOrders == nil {
		if pgPool != nil {
			s := orderingpersistence.NewOrderingPGStore(pgPool)
			if menuItems == nil {
				menuItems = s
			}
			if orderingOrders == nil {
				orderingOrders = s
			}
		} else {
			s := orderingpersistence.NewOrderingMemoryStore()
			if menuItems == nil {
				menuItems = s
			}
			if orderingOrders == nil {
				orderingOrders = s
			}
		}
	}

	if provider == nil {
		if pgPool != nil {
			provider = newPGIdentityProvider(pgPool)
		} else {
			provider = newMemoryIdentityProvider()
		}
	}

	if tenancyResolver == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing tenancy resolver (set HandlerOptions.TenancyResolver or use default PG stores)")
		}
		tenancyResolver = newTenancyDBResolver(pgPool)
	}

	searcher := newGlobalSearcher(accounts, contacts, leads, cases, opportunities, quotes, orders, tasks, products)
	notifier := NewNotifier(notifications, prefs, settings)
	menu := orderingservices.NewMenuService(menuItems)
	orderingSvc := orderingservices.NewOrderService(menuItems, orderingOrders)

	router := routing.NewRouter(classifier)

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	principals := newPrincipalStore(pgPool)
	sessions := newSessionStore(pgPool)

	router.Handle(routing.RouteClassUI, http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app", http.StatusFound)
	}))

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := currentTenant(r.Context())

		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		email := strings.TrimSpace(req.Email)
		password := req.Password
		if email == "" || strings.TrimSpace(password) == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "email and password required")
			return
		}

		ident, err := provider.AuthenticatePassword(r.Context(), tenant, email, password)
		if err != nil {
			if errors.Is(err, errInvalidCredentials) {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_credentials", "invalid credentials")
				return
			}
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
			return
		}

		roleSlug := strings.TrimSpace(strings.ToLower(ident.RoleSlug))
		if roleSlug == "" {
			roleSlug = authz.RoleTenantAdmin
		}
		if roleSlug != authz.RoleTenantAdmin && roleSlug != authz.RoleTenantViewer {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_identity_role", "invalid identity role")
			return
		}

		p, err := principals.UpsertPrincipal(r.Context(), tenant.ID, ident.Email, roleSlug)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "principal_error", "principal error")
			return
		}

		expiresAt := time.Now().Add(sidTTLFromEnv())
		sid, err := sessions.Create(r.Context(), tenant.ID, p.ID, expiresAt, r.RemoteAddr, r.UserAgent())
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "session_error", "session error")
			return
		}
		setSIDCookie(w, sid)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNoContent)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/me", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		p, ok := requirePrincipal(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id":    tenant.ID,
			"principal_id": p.ID,
			"email":        p.Email,
			"role_slug":    p.RoleSlug,
		})
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid, ok := readSID(r); ok {
			_ = sessions.Revoke(r.Context(), sid)
		}
		clearSIDCookie(w)
		http.Redirect(w, r, "/app/login", http.StatusFound)
	}))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/accounts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleAccountsAPI(w, r, accounts)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/contacts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleContactsAPI(w, r, contacts)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/leads", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleLeadsAPI(w, r, leads)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/cases", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleCasesAPI(w, r, cases)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/opportunities", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleOpportunitiesAPI(w, r, opportunities)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/quotes", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleQuotesAPI(w, r, quotes)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleOrdersAPI(w, r, orders)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/purchase-orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlePurchaseOrdersAPI(w, r, purchaseOrders)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/products", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleProductsAPI(w, r, products)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleTasksAPI(w, r, tasks)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/crm/api/settings/timezone", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleTimezoneSettingAPI(w, r, settings)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/ordering/api/menu-items", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleMenuItemsAPI(w, r, menu)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/ordering/api/orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleOrderingOrdersAPI(w, r, orderingSvc, notifier)
		}))
		router.Handle(routing.RouteClassInternalAPI, method, "/notifications/api/preferences", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleNotificationPrefsAPI(w, r, prefs)
		}))
	}

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/leads/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLeadStatusAPI(w, r, leads, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/cases/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCaseStatusAPI(w, r, cases, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/opportunities/stage", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOpportunityStageAPI(w, r, opportunities, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/quotes/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleQuoteStatusAPI(w, r, quotes, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/orders/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderStatusAPI(w, r, orders, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/purchase-orders/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrderStatusAPI(w, r, purchaseOrders, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/tasks:reschedule", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTaskRescheduleAPI(w, r, tasks, settings, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/crm/api/tasks:toggle-done", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTaskToggleDoneAPI(w, r, tasks, notifier)
	}))
	for plural, typ := range searchableEntityTypes {
		router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/crm/api/"+plural+":search", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleEntitySearchAPI(w, r, searcher, typ)
		}))
	}
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/crm/api/search", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSearchPreviewAPI(w, r, searcher)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/crm/api/search/results", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSearchResultsAPI(w, r, searcher)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/crm/api/calendar", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCalendarAPI(w, r, tasks, settings)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/ordering/api/menu-items:toggle", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMenuItemToggleAPI(w, r, menu)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/ordering/api/orders/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderingOrderStatusAPI(w, r, orderingSvc, notifier)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/notifications/api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNotificationsAPI(w, r, notifications)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/notifications/api:mark-read", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNotificationsMarkReadAPI(w, r, notifications)
	}))
	router.Handle(routing.RouteClassEvents, http.MethodGet, "/notifications/events", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNotificationEventsSSE(w, r, notifier)
	}))

	assetsSub, _ := fs.Sub(embeddedAssets, "assets")

	entrypoint := http.NewServeMux()
	entrypoint.Handle("/app", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveAppIndex(w, r, embeddedAssets)
	}))
	entrypoint.Handle("/app/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveAppIndex(w, r, embeddedAssets)
	}))
	entrypoint.Handle("/", router)

	guarded := withTenantAndSession(classifier, tenancyResolver, principals, sessions, withAuthz(classifier, authorizer, entrypoint))

	mux := http.NewServeMux()
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsSub))))
	mux.Handle("/", guarded)

	return mux, nil
}

const appIndexPath = "assets/web/index.html"

func serveAppIndex(w http.ResponseWriter, r *http.Request, assets fs.FS) {
	b, err := fs.ReadFile(assets, appIndexPath)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "app_index_missing", "web ui missing")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func withTenantAndSession(classifier *routing.Classifier, tenants TenancyResolver, principals principalStore, sessions sessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" || path == "/assets" || pathHasPrefixSegment(path, "/assets") {
			next.ServeHTTP(w, r)
			return
		}

		tenantDomain := effectiveHost(r)
		t, ok, err := tenants.ResolveTenant(r.Context(), tenantDomain)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "tenant_not_found", "tenant not found")
			return
		}
		r = r.WithContext(withTenant(r.Context(), t))

		// The tenant app UI lives under /app/**. Other UI paths fall
		// through so the router can 404 instead of bouncing to login.
		if rc == routing.RouteClassUI && path != "/" && !pathHasPrefixSegment(path, "/app") {
			next.ServeHTTP(w, r)
			return
		}

		if path == "/app/login" || (path == "/iam/api/sessions" && r.Method == http.MethodPost) {
			next.ServeHTTP(w, r)
			return
		}

		sid, ok := readSID(r)
		if !ok {
			if isAPIClass(rc) {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			http.Redirect(w, r, "/app/login", http.StatusFound)
			return
		}

		sess, ok, err := sessions.Lookup(r.Context(), sid)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_lookup_error", "session lookup error")
			return
		}
		if !ok || sess.TenantID != t.ID {
			clearSIDCookie(w)
			if isAPIClass(rc) {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			http.Redirect(w, r, "/app/login", http.StatusFound)
			return
		}

		p, ok, err := principals.GetByID(r.Context(), t.ID, sess.PrincipalID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "principal_lookup_error", "principal lookup error")
			return
		}
		if !ok || p.Status != "active" {
			clearSIDCookie(w)
			if isAPIClass(rc) {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			http.Redirect(w, r, "/app/login", http.StatusFound)
			return
		}
		r = r.WithContext(withPrincipal(r.Context(), p))

		next.ServeHTTP(w, r)
	})
}

// isAPIClass reports whether unauthenticated requests to this route
// class get a JSON 401 rather than a login redirect.
func isAPIClass(rc routing.RouteClass) bool {
	return rc == routing.RouteClassInternalAPI || rc == routing.RouteClassPublicAPI || rc == routing.RouteClassEvents
}

func pathHasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)+1] == prefix+"/"
}
