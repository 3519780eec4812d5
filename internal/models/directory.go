package models

import "time"

// User is an org-directory record. The engine relates users, departments
// and delegations by ID only; it never builds in-memory object graphs.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	DepartmentID string    `json:"department_id,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Department groups users; HeadUserID points at the department head.
type Department struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	HeadUserID string `json:"head_user_id,omitempty"`
}

// Role is a named capability assignable to users, optionally scoped to a
// department through the assignment row.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoleGroup bundles several roles under one approver-selection target.
type RoleGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
