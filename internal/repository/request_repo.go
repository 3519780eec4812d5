package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/internal/workflow"
	"github.com/mkorchagin/intranet-approvals/pkg/database"
	"go.uber.org/zap"
)

// RequestRepository persists requests together with their approval steps.
// The pair is one consistency boundary: every write happens in one
// transaction, and updates carry the request's optimistic version token.
type RequestRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(db *database.DB, logger *zap.Logger) *RequestRepository {
	return &RequestRepository{db: db, logger: logger}
}

// GetWithSteps loads a request and its full step list, or nil when absent
func (r *RequestRepository) GetWithSteps(ctx context.Context, id string) (*models.Request, error) {
	query := `
		SELECT id, template_id, submitter_id, priority, status, form_data,
			submitted_at, completed_at, version, created_at, updated_at
		FROM requests
		WHERE id = ?
	`

	var req models.Request
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID,
		&req.TemplateID,
		&req.SubmitterID,
		&req.Priority,
		&req.Status,
		&req.FormData,
		&req.SubmittedAt,
		&completedAt,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get request", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}

	steps, err := r.stepsForRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Steps = steps

	return &req, nil
}

// Create inserts the request and all its materialized steps atomically
func (r *RequestRepository) Create(ctx context.Context, req *models.Request) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		query := `
			INSERT INTO requests (
				id, template_id, submitter_id, priority, status, form_data,
				submitted_at, completed_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			req.ID,
			req.TemplateID,
			req.SubmitterID,
			req.Priority,
			req.Status,
			req.FormData,
			req.SubmittedAt,
			nullableTime(req.CompletedAt),
			req.Version,
		)
		if err != nil {
			r.logger.Error("Failed to create request", zap.String("id", req.ID), zap.Error(err))
			return fmt.Errorf("failed to create request: %w", err)
		}

		for _, step := range req.Steps {
			if err := r.insertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// Save updates the request and all steps under the optimistic version
// check; a stale version yields workflow.ErrConcurrencyConflict and no
// partial write.
func (r *RequestRepository) Save(ctx context.Context, req *models.Request) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		query := `
			UPDATE requests
			SET status = ?, completed_at = ?, version = version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND version = ?
		`
		result, err := tx.ExecContext(ctx, query,
			req.Status,
			nullableTime(req.CompletedAt),
			req.ID,
			req.Version,
		)
		if err != nil {
			r.logger.Error("Failed to save request", zap.String("id", req.ID), zap.Error(err))
			return fmt.Errorf("failed to save request: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("request %s version %d: %w", req.ID, req.Version, workflow.ErrConcurrencyConflict)
		}
		req.Version++

		for _, step := range req.Steps {
			if err := r.updateStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEscalatable returns the ids of requests with at least one active,
// not-yet-escalated step whose deadline elapsed before now. The engine
// re-checks the predicate per request under the version token before
// writing.
func (r *RequestRepository) ListEscalatable(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT request_id
		FROM approval_steps
		WHERE status IN (?, ?)
			AND escalated_at IS NULL
			AND escalation_timeout_secs > 0
			AND started_at IS NOT NULL
			AND datetime(started_at, '+' || escalation_timeout_secs || ' seconds') < datetime(?)
	`

	rows, err := r.db.QueryContext(ctx, query,
		models.StepStatusInReview,
		models.StepStatusRequiresSurvey,
		now.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to scan escalatable steps", zap.Error(err))
		return nil, fmt.Errorf("failed to scan escalatable steps: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListBySubmitter returns a submitter's requests, newest first
func (r *RequestRepository) ListBySubmitter(ctx context.Context, submitterID string, limit, offset int) ([]*models.Request, error) {
	query := `
		SELECT id, template_id, submitter_id, priority, status, form_data,
			submitted_at, completed_at, version, created_at, updated_at
		FROM requests
		WHERE submitter_id = ?
		ORDER BY submitted_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, submitterID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list requests", zap.String("submitter", submitterID), zap.Error(err))
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.Request
	for rows.Next() {
		var req models.Request
		var completedAt sql.NullTime
		if err := rows.Scan(
			&req.ID,
			&req.TemplateID,
			&req.SubmitterID,
			&req.Priority,
			&req.Status,
			&req.FormData,
			&req.SubmittedAt,
			&completedAt,
			&req.Version,
			&req.CreatedAt,
			&req.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		if completedAt.Valid {
			req.CompletedAt = &completedAt.Time
		}
		requests = append(requests, &req)
	}
	return requests, rows.Err()
}

func (r *RequestRepository) stepsForRequest(ctx context.Context, requestID string) ([]*models.ApprovalStep, error) {
	query := `
		SELECT id, request_id, template_step_id, step_order, group_id,
			min_approvals, approver_id, status, requires_quiz, quiz_passed,
			comment, created_at, started_at, finished_at,
			escalation_timeout_secs, escalation_user_id, escalated_at, escalated_to
		FROM approval_steps
		WHERE request_id = ?
		ORDER BY step_order, id
	`

	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		r.logger.Error("Failed to get steps", zap.String("request_id", requestID), zap.Error(err))
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.ApprovalStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (r *RequestRepository) insertStep(ctx context.Context, tx *sql.Tx, step *models.ApprovalStep) error {
	query := `
		INSERT INTO approval_steps (
			request_id, template_step_id, step_order, group_id, min_approvals,
			approver_id, status, requires_quiz, quiz_passed, comment,
			created_at, started_at, finished_at,
			escalation_timeout_secs, escalation_user_id, escalated_at, escalated_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		step.RequestID,
		nullableInt64(step.TemplateStepID),
		step.StepOrder,
		nullableString(step.GroupID),
		step.MinApprovals,
		step.ApproverID,
		step.Status,
		step.RequiresQuiz,
		nullableBool(step.QuizPassed),
		step.Comment,
		step.CreatedAt,
		nullableTime(step.StartedAt),
		nullableTime(step.FinishedAt),
		int64(step.EscalationTimeout.Seconds()),
		step.EscalationUserID,
		nullableTime(step.EscalatedAt),
		step.EscalatedTo,
	)
	if err != nil {
		r.logger.Error("Failed to insert step", zap.String("request_id", step.RequestID), zap.Error(err))
		return fmt.Errorf("failed to insert step: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get step id: %w", err)
	}
	step.ID = id
	return nil
}

func (r *RequestRepository) updateStep(ctx context.Context, tx *sql.Tx, step *models.ApprovalStep) error {
	query := `
		UPDATE approval_steps
		SET status = ?, quiz_passed = ?, comment = ?,
			started_at = ?, finished_at = ?, escalated_at = ?, escalated_to = ?
		WHERE id = ?
	`
	_, err := tx.ExecContext(ctx, query,
		step.Status,
		nullableBool(step.QuizPassed),
		step.Comment,
		nullableTime(step.StartedAt),
		nullableTime(step.FinishedAt),
		nullableTime(step.EscalatedAt),
		step.EscalatedTo,
		step.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update step", zap.Int64("id", step.ID), zap.Error(err))
		return fmt.Errorf("failed to update step: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*models.ApprovalStep, error) {
	var step models.ApprovalStep
	var templateStepID sql.NullInt64
	var groupID sql.NullString
	var quizPassed sql.NullBool
	var startedAt, finishedAt, escalatedAt sql.NullTime
	var timeoutSecs int64

	if err := row.Scan(
		&step.ID,
		&step.RequestID,
		&templateStepID,
		&step.StepOrder,
		&groupID,
		&step.MinApprovals,
		&step.ApproverID,
		&step.Status,
		&step.RequiresQuiz,
		&quizPassed,
		&step.Comment,
		&step.CreatedAt,
		&startedAt,
		&finishedAt,
		&timeoutSecs,
		&step.EscalationUserID,
		&escalatedAt,
		&step.EscalatedTo,
	); err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	if templateStepID.Valid {
		step.TemplateStepID = &templateStepID.Int64
	}
	if groupID.Valid {
		step.GroupID = groupID.String
	}
	if quizPassed.Valid {
		step.QuizPassed = &quizPassed.Bool
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		step.FinishedAt = &finishedAt.Time
	}
	if escalatedAt.Valid {
		step.EscalatedAt = &escalatedAt.Time
	}
	step.EscalationTimeout = time.Duration(timeoutSecs) * time.Second

	return &step, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
