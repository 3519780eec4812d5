package workflow

import (
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
)

// QuizGate scores a submitted answer set against a step's question bank.
// Scoring is exact-match per question; the pass threshold is the fraction
// of questions that must be correct. The default of 1.0 means all
// questions correct, with no partial credit.
type QuizGate struct {
	passThreshold float64
}

// NewQuizGate creates a gate with the given pass threshold. Values
// outside (0, 1] fall back to 1.0.
func NewQuizGate(passThreshold float64) *QuizGate {
	if passThreshold <= 0 || passThreshold > 1 {
		passThreshold = 1.0
	}
	return &QuizGate{passThreshold: passThreshold}
}

// Score evaluates answers (question id → selected option) against the
// question bank. Unanswered questions count as incorrect. An empty bank
// passes vacuously. Scoring is deterministic, so resubmitting identical
// answers yields the same verdict.
func (g *QuizGate) Score(questions []*models.QuizQuestion, answers map[int64]string, now time.Time) (passed bool, correct int, rows []*models.QuizAnswer) {
	if len(questions) == 0 {
		return true, 0, nil
	}

	rows = make([]*models.QuizAnswer, 0, len(questions))
	for _, q := range questions {
		selected := answers[q.ID]
		ok := selected != "" && selected == q.CorrectOption
		if ok {
			correct++
		}
		rows = append(rows, &models.QuizAnswer{
			QuestionID:     q.ID,
			SelectedOption: selected,
			Correct:        ok,
			CreatedAt:      now,
		})
	}

	ratio := float64(correct) / float64(len(questions))
	return ratio >= g.passThreshold, correct, rows
}
