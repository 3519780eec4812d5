package models

import "time"

// QuizQuestion belongs to a template step's question bank. Approvers never
// see questions or answers, only the computed verdict on the step.
type QuizQuestion struct {
	ID             int64     `json:"id"`
	StepTemplateID int64     `json:"step_template_id"`
	Text           string    `json:"text"`
	Options        string    `json:"options"` // JSON array of option keys/labels
	CorrectOption  string    `json:"correct_option"`
	CreatedAt      time.Time `json:"created_at"`
}

// QuizAnswer records the submitter's response to one question for one
// approval step, with the computed correctness flag.
type QuizAnswer struct {
	ID             int64     `json:"id"`
	StepID         int64     `json:"step_id"`
	QuestionID     int64     `json:"question_id"`
	SelectedOption string    `json:"selected_option"`
	Correct        bool      `json:"correct"`
	CreatedAt      time.Time `json:"created_at"`
}
