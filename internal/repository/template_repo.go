package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/pkg/database"
	"go.uber.org/zap"
)

// TemplateRepository reads approval templates and their step definitions
type TemplateRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *database.DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

// GetWithSteps loads a template with its ordered step definitions, or nil
func (r *TemplateRepository) GetWithSteps(ctx context.Context, id int64) (*models.Template, error) {
	query := `
		SELECT id, name, form_schema, is_active, created_at, updated_at
		FROM templates
		WHERE id = ?
	`

	var tmpl models.Template
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.FormSchema,
		&tmpl.IsActive,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get template", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	stepQuery := `
		SELECT id, template_id, step_order, strategy, approver_user_id,
			role_id, role_group_id, department_id, group_id, min_approvals,
			requires_quiz, escalation_timeout_secs, escalation_user_id
		FROM template_steps
		WHERE template_id = ?
		ORDER BY step_order, id
	`

	rows, err := r.db.QueryContext(ctx, stepQuery, id)
	if err != nil {
		r.logger.Error("Failed to get template steps", zap.Int64("template_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get template steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.StepTemplate
		var approverUserID, roleID, roleGroupID, departmentID, groupID, escalationUserID sql.NullString
		var timeoutSecs int64
		if err := rows.Scan(
			&st.ID,
			&st.TemplateID,
			&st.StepOrder,
			&st.Strategy,
			&approverUserID,
			&roleID,
			&roleGroupID,
			&departmentID,
			&groupID,
			&st.MinApprovals,
			&st.RequiresQuiz,
			&timeoutSecs,
			&escalationUserID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan template step: %w", err)
		}
		st.ApproverUserID = approverUserID.String
		st.RoleID = roleID.String
		st.RoleGroupID = roleGroupID.String
		st.DepartmentID = departmentID.String
		st.GroupID = groupID.String
		st.EscalationUserID = escalationUserID.String
		st.EscalationTimeout = time.Duration(timeoutSecs) * time.Second
		tmpl.Steps = append(tmpl.Steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &tmpl, nil
}

// Create inserts a template with its step definitions atomically
func (r *TemplateRepository) Create(ctx context.Context, tmpl *models.Template) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO templates (name, form_schema, is_active) VALUES (?, ?, ?)`,
			tmpl.Name, tmpl.FormSchema, tmpl.IsActive,
		)
		if err != nil {
			r.logger.Error("Failed to create template", zap.String("name", tmpl.Name), zap.Error(err))
			return fmt.Errorf("failed to create template: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get template id: %w", err)
		}
		tmpl.ID = id

		for _, st := range tmpl.Steps {
			st.TemplateID = id
			stepResult, err := tx.ExecContext(ctx, `
				INSERT INTO template_steps (
					template_id, step_order, strategy, approver_user_id,
					role_id, role_group_id, department_id, group_id,
					min_approvals, requires_quiz,
					escalation_timeout_secs, escalation_user_id
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				st.TemplateID,
				st.StepOrder,
				st.Strategy,
				nullableString(st.ApproverUserID),
				nullableString(st.RoleID),
				nullableString(st.RoleGroupID),
				nullableString(st.DepartmentID),
				nullableString(st.GroupID),
				st.MinApprovals,
				st.RequiresQuiz,
				int64(st.EscalationTimeout.Seconds()),
				nullableString(st.EscalationUserID),
			)
			if err != nil {
				return fmt.Errorf("failed to create template step: %w", err)
			}
			stepID, err := stepResult.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get template step id: %w", err)
			}
			st.ID = stepID
		}
		return nil
	})
}
