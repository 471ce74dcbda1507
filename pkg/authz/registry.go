package authz

const (
	RoleTenantAdmin  = "tenant-admin"
	RoleTenantViewer = "tenant-viewer"
	RoleAnonymous    = "anonymous"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
)

const (
	ObjectIAMSession            = "iam.session"
	ObjectCRMAccounts           = "crm.accounts"
	ObjectCRMContacts           = "crm.contacts"
	ObjectCRMLeads              = "crm.leads"
	ObjectCRMCases              = "crm.cases"
	ObjectCRMOpportunities      = "crm.opportunities"
	ObjectCRMQuotes             = "crm.quotes"
	ObjectCRMOrders             = "crm.orders"
	ObjectCRMPurchaseOrders     = "crm.purchase-orders"
	ObjectCRMProducts           = "crm.products"
	ObjectCRMTasks              = "crm.tasks"
	ObjectCRMSearch             = "crm.search"
	ObjectCRMCalendar           = "crm.calendar"
	ObjectCRMSettings           = "crm.settings"
	ObjectOrderingMenuItems     = "ordering.menu-items"
	ObjectOrderingOrders        = "ordering.orders"
	ObjectNotificationsFeed     = "notifications.feed"
	ObjectNotificationsSettings = "notifications.settings"
)
