package authz

// Canonical platform permissions.
const (
	PermUsersView   = "users.view"
	PermUsersManage = "users.manage"

	PermRolesView   = "roles.view"
	PermRolesManage = "roles.manage"

	PermPermissionsView = "permissions.view"

	PermSubscriptionsView   = "subscriptions.view"
	PermSubscriptionsManage = "subscriptions.manage"

	PermBillingView   = "billing.view"
	PermBillingManage = "billing.manage"
	PermBillingRefund = "billing.refund"

	PermRequestsView   = "requests.view"
	PermRequestsManage = "requests.manage"
	PermRequestsAssign = "requests.assign"

	PermAuditView = "audit.view"

	// PermAdminAccess marks administrative accounts. A user holding it counts
	// as an elevated impersonation target.
	PermAdminAccess = "admin.access"

	PermImpersonate = "impersonation.use"
	// PermImpersonateAdmins gates impersonation of elevated targets.
	PermImpersonateAdmins = "impersonation.admin"
	PermImpersonationAudit = "impersonation.audit"
)

// PermissionDef is a canonical catalog entry.
type PermissionDef struct {
	Name        string
	Resource    string
	Action      string
	Description string
	Category    string
}

// RolePermissionDef binds a permission name into a role bundle, optionally
// narrowed by equality conditions.
type RolePermissionDef struct {
	Permission string
	Conditions map[string]any
}

// RoleDef is a canonical system role with its full permission bundle.
type RoleDef struct {
	Name        string
	Description string
	Permissions []RolePermissionDef
}

// CatalogDefs returns every canonical permission definition. Seeding upserts
// these by name and never deletes entries outside this list.
func CatalogDefs() []PermissionDef {
	return []PermissionDef{
		{PermUsersView, "users", "view", "View customer and staff accounts", "users"},
		{PermUsersManage, "users", "manage", "Create, update and deactivate accounts", "users"},
		{PermRolesView, "roles", "view", "View roles and their bundles", "roles"},
		{PermRolesManage, "roles", "manage", "Create and modify custom roles", "roles"},
		{PermPermissionsView, "permissions", "view", "View the permission catalog", "permissions"},
		{PermSubscriptionsView, "subscriptions", "view", "View service subscriptions", "subscriptions"},
		{PermSubscriptionsManage, "subscriptions", "manage", "Modify service subscriptions", "subscriptions"},
		{PermBillingView, "billing", "view", "View invoices and payment history", "billing"},
		{PermBillingManage, "billing", "manage", "Adjust invoices and payment methods", "billing"},
		{PermBillingRefund, "billing", "refund", "Issue refunds", "billing"},
		{PermRequestsView, "requests", "view", "View household service requests", "requests"},
		{PermRequestsManage, "requests", "manage", "Update and resolve service requests", "requests"},
		{PermRequestsAssign, "requests", "assign", "Assign service requests to providers", "requests"},
		{PermAuditView, "audit", "view", "View audit history", "audit"},
		{PermAdminAccess, "admin", "access", "Access the admin console", "admin"},
		{PermImpersonate, "impersonation", "use", "Impersonate customer accounts", "impersonation"},
		{PermImpersonateAdmins, "impersonation", "admin", "Impersonate administrative accounts", "impersonation"},
		{PermImpersonationAudit, "impersonation", "audit", "Review impersonation history", "impersonation"},
	}
}

// SystemRoles returns the canonical system roles. Seeding replaces each
// role's bundle wholesale so repeated runs converge; custom roles are
// never touched.
func SystemRoles() []RoleDef {
	all := make([]RolePermissionDef, 0, len(CatalogDefs()))
	for _, def := range CatalogDefs() {
		all = append(all, RolePermissionDef{Permission: def.Name})
	}
	return []RoleDef{
		{
			Name:        "Administrator",
			Description: "Full platform access",
			Permissions: all,
		},
		{
			Name:        "Support Agent",
			Description: "Front-line customer support",
			Permissions: []RolePermissionDef{
				{Permission: PermUsersView},
				{Permission: PermSubscriptionsView},
				{Permission: PermRequestsView},
				{Permission: PermRequestsManage},
				{Permission: PermImpersonate},
			},
		},
		{
			Name:        "Billing Manager",
			Description: "Invoicing and refunds",
			Permissions: []RolePermissionDef{
				{Permission: PermUsersView},
				{Permission: PermSubscriptionsView},
				{Permission: PermBillingView},
				{Permission: PermBillingManage},
				{Permission: PermBillingRefund},
			},
		},
		{
			Name:        "Service Manager",
			Description: "Provider dispatch and request oversight",
			Permissions: []RolePermissionDef{
				{Permission: PermUsersView},
				{Permission: PermRequestsView},
				{Permission: PermRequestsManage},
				{Permission: PermRequestsAssign},
			},
		},
		{
			Name:        "Customer",
			Description: "Self-service household account",
			Permissions: []RolePermissionDef{
				{Permission: PermSubscriptionsView, Conditions: map[string]any{"scope": "own"}},
				{Permission: PermBillingView, Conditions: map[string]any{"scope": "own"}},
				{Permission: PermRequestsView, Conditions: map[string]any{"scope": "own"}},
			},
		},
	}
}
