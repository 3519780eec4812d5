package models

import "time"

// Template is the reusable definition of a request's form fields and
// approval step sequence. Requests carry their own materialized step list,
// so later template edits never alter in-flight requests.
type Template struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	FormSchema string    `json:"form_schema"` // JSON blob consumed by the frontend renderer
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Steps []*StepTemplate `json:"steps,omitempty"`
}

// StepTemplate is one ordered approval step definition within a template.
// StepOrder is strictly increasing but may repeat across members of the
// same parallel group.
type StepTemplate struct {
	ID         int64  `json:"id"`
	TemplateID int64  `json:"template_id"`
	StepOrder  int    `json:"step_order"`
	Strategy   string `json:"strategy"` // FIXED_USER, ROLE, ROLE_GROUP, DEPARTMENT_ROLE

	// Strategy parameters; which ones apply depends on Strategy.
	ApproverUserID string `json:"approver_user_id,omitempty"`
	RoleID         string `json:"role_id,omitempty"`
	RoleGroupID    string `json:"role_group_id,omitempty"`
	DepartmentID   string `json:"department_id,omitempty"`

	GroupID      string `json:"group_id,omitempty"`
	MinApprovals int    `json:"min_approvals"` // >= 1, meaningful only within a parallel group
	RequiresQuiz bool   `json:"requires_quiz"`

	EscalationTimeout time.Duration `json:"escalation_timeout"`
	EscalationUserID  string        `json:"escalation_user_id,omitempty"`
}

// Approver-selection strategy constants
const (
	StrategyFixedUser      = "FIXED_USER"
	StrategyRole           = "ROLE"
	StrategyRoleGroup      = "ROLE_GROUP"
	StrategyDepartmentRole = "DEPARTMENT_ROLE"
)
