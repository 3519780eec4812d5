package directory

import "context"

// Directory answers org-structure lookups by ID. The engine resolves
// approver strategies through it at submission time and never holds user
// or department objects beyond the call.
type Directory interface {
	// UserExists reports whether the user exists and is active
	UserExists(ctx context.Context, userID string) (bool, error)

	// UsersInRole returns active users holding the role, any department
	UsersInRole(ctx context.Context, roleID string) ([]string, error)

	// UsersInRoleGroup returns active users holding any role in the group
	UsersInRoleGroup(ctx context.Context, roleGroupID string) ([]string, error)

	// UsersInDepartmentRole returns active users holding the role scoped
	// to the department
	UsersInDepartmentRole(ctx context.Context, departmentID, roleID string) ([]string, error)
}
