package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
)

var (
	// ErrConcurrencyConflict is returned by RequestStore.Save when the
	// request's version token no longer matches the stored row. Callers
	// reload fresh state and retry; state is never merged.
	ErrConcurrencyConflict = errors.New("request version conflict")

	// ErrRequestNotFound is returned when the request id is unknown
	ErrRequestNotFound = errors.New("request not found")

	// ErrStepNotFound is returned when the step id does not belong to
	// the request
	ErrStepNotFound = errors.New("approval step not found")

	// ErrTemplateNotFound is returned on submission against an unknown
	// or inactive template
	ErrTemplateNotFound = errors.New("template not found")
)

// RequestStore persists requests together with their steps. A request and
// its steps are one consistency boundary: Create and Save are transactional
// over both, and Save enforces the optimistic version check.
type RequestStore interface {
	GetWithSteps(ctx context.Context, id string) (*models.Request, error)
	Create(ctx context.Context, req *models.Request) error
	Save(ctx context.Context, req *models.Request) error

	// ListEscalatable returns ids of requests holding at least one active,
	// not-yet-escalated step whose escalation deadline passed before now.
	ListEscalatable(ctx context.Context, now time.Time) ([]string, error)

	// ListBySubmitter returns a submitter's requests, newest first,
	// without their step lists.
	ListBySubmitter(ctx context.Context, submitterID string, limit, offset int) ([]*models.Request, error)
}

// TemplateStore reads template snapshots
type TemplateStore interface {
	GetWithSteps(ctx context.Context, id int64) (*models.Template, error)
}

// QuizBank reads a step's question bank and persists scored answer sets
type QuizBank interface {
	QuestionsForStep(ctx context.Context, stepTemplateID int64) ([]*models.QuizQuestion, error)
	SaveAnswers(ctx context.Context, stepID int64, answers []*models.QuizAnswer) error
}

// ActingUserResolver answers "who currently acts for this approver".
// Resolved at decision time, not at materialization time.
type ActingUserResolver interface {
	ResolveActingUser(ctx context.Context, approverID string, asOf time.Time) (string, error)
}
