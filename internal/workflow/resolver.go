package workflow

import (
	"context"
	"fmt"

	"github.com/mkorchagin/intranet-approvals/internal/directory"
	"github.com/mkorchagin/intranet-approvals/internal/models"
	"go.uber.org/zap"
)

// ApproverResolver turns a step template's approver-selection strategy
// into concrete user ids. Resolution happens once, at submission time;
// later org-structure changes never re-resolve in-flight steps.
type ApproverResolver struct {
	dir    directory.Directory
	logger *zap.Logger
}

// NewApproverResolver creates a resolver over the org directory
func NewApproverResolver(dir directory.Directory, logger *zap.Logger) *ApproverResolver {
	return &ApproverResolver{dir: dir, logger: logger}
}

// Resolve returns the eligible approvers for the step template. A
// fan-out strategy (role, role group, department role) may return several
// users; the orchestrator materializes one step per user. Zero eligible
// users yields a TemplateResolutionError.
func (r *ApproverResolver) Resolve(ctx context.Context, st *models.StepTemplate) ([]string, error) {
	users, err := r.resolve(ctx, st)
	if err != nil {
		return nil, err
	}

	if len(users) == 0 {
		return nil, &TemplateResolutionError{
			TemplateID: st.TemplateID,
			StepOrder:  st.StepOrder,
			Strategy:   st.Strategy,
		}
	}

	return users, nil
}

func (r *ApproverResolver) resolve(ctx context.Context, st *models.StepTemplate) ([]string, error) {
	switch st.Strategy {
	case models.StrategyFixedUser:
		if st.ApproverUserID == "" {
			return nil, nil
		}
		exists, err := r.dir.UserExists(ctx, st.ApproverUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to check user %s: %w", st.ApproverUserID, err)
		}
		if !exists {
			return nil, nil
		}
		return []string{st.ApproverUserID}, nil

	case models.StrategyRole:
		return r.dir.UsersInRole(ctx, st.RoleID)

	case models.StrategyRoleGroup:
		return r.dir.UsersInRoleGroup(ctx, st.RoleGroupID)

	case models.StrategyDepartmentRole:
		return r.dir.UsersInDepartmentRole(ctx, st.DepartmentID, st.RoleID)

	default:
		return nil, fmt.Errorf("unknown approver strategy: %s", st.Strategy)
	}
}
