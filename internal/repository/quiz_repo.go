package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/pkg/database"
	"go.uber.org/zap"
)

// QuizRepository reads question banks and persists scored answer sets.
// Question content is submitter-facing only; approver-facing reads go
// through the step's quiz_passed flag, never through this repository.
type QuizRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewQuizRepository creates a new quiz repository
func NewQuizRepository(db *database.DB, logger *zap.Logger) *QuizRepository {
	return &QuizRepository{db: db, logger: logger}
}

// QuestionsForStep returns the question bank attached to a template step
func (r *QuizRepository) QuestionsForStep(ctx context.Context, stepTemplateID int64) ([]*models.QuizQuestion, error) {
	query := `
		SELECT id, step_template_id, text, options, correct_option, created_at
		FROM quiz_questions
		WHERE step_template_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, stepTemplateID)
	if err != nil {
		r.logger.Error("Failed to get quiz questions", zap.Int64("step_template_id", stepTemplateID), zap.Error(err))
		return nil, fmt.Errorf("failed to get quiz questions: %w", err)
	}
	defer rows.Close()

	var questions []*models.QuizQuestion
	for rows.Next() {
		var q models.QuizQuestion
		if err := rows.Scan(
			&q.ID,
			&q.StepTemplateID,
			&q.Text,
			&q.Options,
			&q.CorrectOption,
			&q.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan quiz question: %w", err)
		}
		questions = append(questions, &q)
	}
	return questions, rows.Err()
}

// SaveAnswers replaces the step's answer set with the given rows. A
// resubmission overwrites the previous attempt, so the stored set always
// reflects the latest verdict.
func (r *QuizRepository) SaveAnswers(ctx context.Context, stepID int64, answers []*models.QuizAnswer) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM quiz_answers WHERE step_id = ?`, stepID); err != nil {
			r.logger.Error("Failed to clear quiz answers", zap.Int64("step_id", stepID), zap.Error(err))
			return fmt.Errorf("failed to clear quiz answers: %w", err)
		}

		query := `
			INSERT INTO quiz_answers (step_id, question_id, selected_option, correct, created_at)
			VALUES (?, ?, ?, ?, ?)
		`
		for _, a := range answers {
			result, err := tx.ExecContext(ctx, query,
				stepID,
				a.QuestionID,
				a.SelectedOption,
				a.Correct,
				a.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert quiz answer: %w", err)
			}
			id, err := result.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get quiz answer id: %w", err)
			}
			a.ID = id
			a.StepID = stepID
		}
		return nil
	})
}
