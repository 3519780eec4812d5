package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/internal/workflow"
)

// TemplateCreator persists new approval templates; template writes bypass
// the workflow engine, which only ever reads template snapshots
type TemplateCreator interface {
	Create(ctx context.Context, tmpl *models.Template) error
}

// Handlers contains all HTTP request handlers for the approval API
type Handlers struct {
	engine    *workflow.Engine
	templates TemplateCreator
	logger    *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(engine *workflow.Engine, templates TemplateCreator, logger *zap.Logger) *Handlers {
	return &Handlers{engine: engine, templates: templates, logger: logger}
}

// Response represents a standard JSON response envelope
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubmitRequestBody is the submission payload
type SubmitRequestBody struct {
	TemplateID  int64  `json:"template_id" binding:"required"`
	SubmitterID string `json:"submitter_id" binding:"required"`
	Priority    int    `json:"priority"`
	FormData    string `json:"form_data"`
}

// DecisionBody carries an approve/reject call
type DecisionBody struct {
	ActorID string `json:"actor_id" binding:"required"`
	Comment string `json:"comment"`
}

// QuizBody carries a quiz answer submission; Answers maps question id to
// the selected option
type QuizBody struct {
	ActorID string           `json:"actor_id" binding:"required"`
	Answers map[int64]string `json:"answers" binding:"required"`
}

// TemplateStepBody is one step definition in a template creation payload
type TemplateStepBody struct {
	StepOrder             int    `json:"step_order" binding:"required"`
	Strategy              string `json:"strategy" binding:"required"`
	ApproverUserID        string `json:"approver_user_id"`
	RoleID                string `json:"role_id"`
	RoleGroupID           string `json:"role_group_id"`
	DepartmentID          string `json:"department_id"`
	GroupID               string `json:"group_id"`
	MinApprovals          int    `json:"min_approvals"`
	RequiresQuiz          bool   `json:"requires_quiz"`
	EscalationTimeoutSecs int64  `json:"escalation_timeout_secs"`
	EscalationUserID      string `json:"escalation_user_id"`
}

// CreateTemplateBody is the template creation payload
type CreateTemplateBody struct {
	Name       string             `json:"name" binding:"required"`
	FormSchema string             `json:"form_schema"`
	Steps      []TemplateStepBody `json:"steps"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: gin.H{
			"status":  "healthy",
			"service": "intranet-approvals",
			"time":    time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// CreateTemplate handles POST /api/v1/templates
func (h *Handlers) CreateTemplate(c *gin.Context) {
	var body CreateTemplateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	formSchema := body.FormSchema
	if formSchema == "" {
		formSchema = "{}"
	}

	tmpl := &models.Template{
		Name:       body.Name,
		FormSchema: formSchema,
		IsActive:   true,
	}
	for _, sb := range body.Steps {
		minApprovals := sb.MinApprovals
		if minApprovals < 1 {
			minApprovals = 1
		}
		tmpl.Steps = append(tmpl.Steps, &models.StepTemplate{
			StepOrder:         sb.StepOrder,
			Strategy:          sb.Strategy,
			ApproverUserID:    sb.ApproverUserID,
			RoleID:            sb.RoleID,
			RoleGroupID:       sb.RoleGroupID,
			DepartmentID:      sb.DepartmentID,
			GroupID:           sb.GroupID,
			MinApprovals:      minApprovals,
			RequiresQuiz:      sb.RequiresQuiz,
			EscalationTimeout: time.Duration(sb.EscalationTimeoutSecs) * time.Second,
			EscalationUserID:  sb.EscalationUserID,
		})
	}

	if err := h.templates.Create(c.Request.Context(), tmpl); err != nil {
		h.logger.Error("Failed to create template", zap.String("name", body.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: tmpl})
}

// SubmitRequest handles POST /api/v1/requests
func (h *Handlers) SubmitRequest(c *gin.Context) {
	var body SubmitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	draft := models.RequestDraft{
		TemplateID:  body.TemplateID,
		SubmitterID: body.SubmitterID,
		Priority:    body.Priority,
		FormData:    body.FormData,
	}

	req, err := h.engine.Submit(c.Request.Context(), draft)
	if err != nil {
		var resErr *workflow.TemplateResolutionError
		switch {
		case errors.As(err, &resErr):
			c.JSON(http.StatusUnprocessableEntity, Response{Success: false, Error: resErr.Error()})
		case errors.Is(err, workflow.ErrTemplateNotFound):
			c.JSON(http.StatusNotFound, Response{Success: false, Error: "template not found"})
		default:
			h.logger.Error("Failed to submit request", zap.Error(err))
			c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: req})
}

// ListRequests handles GET /api/v1/requests?submitter_id=...
func (h *Handlers) ListRequests(c *gin.Context) {
	submitterID := c.Query("submitter_id")
	if submitterID == "" {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "submitter_id is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	requests, err := h.engine.ListRequests(c.Request.Context(), submitterID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list requests", zap.String("submitter", submitterID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: requests})
}

// GetRequest handles GET /api/v1/requests/:id
func (h *Handlers) GetRequest(c *gin.Context) {
	req, err := h.engine.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, Response{Success: false, Error: "request not found"})
			return
		}
		h.logger.Error("Failed to get request", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: req})
}

type decisionOp func(ctx context.Context, requestID string, stepID int64, actorID, comment string) (workflow.Result, error)

// ApproveStep handles POST /api/v1/requests/:id/steps/:stepID/approve
func (h *Handlers) ApproveStep(c *gin.Context) {
	h.decide(c, h.engine.ApproveStep)
}

// RejectStep handles POST /api/v1/requests/:id/steps/:stepID/reject
func (h *Handlers) RejectStep(c *gin.Context) {
	h.decide(c, h.engine.RejectStep)
}

func (h *Handlers) decide(c *gin.Context, op decisionOp) {
	stepID, ok := h.stepID(c)
	if !ok {
		return
	}

	var body DecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := op(c.Request.Context(), c.Param("id"), stepID, body.ActorID, body.Comment)
	if err != nil {
		h.operationError(c, err)
		return
	}

	c.JSON(outcomeStatus(result.Outcome), Response{Success: result.Success(), Data: result})
}

// SubmitQuizAnswers handles POST /api/v1/requests/:id/steps/:stepID/quiz
func (h *Handlers) SubmitQuizAnswers(c *gin.Context) {
	stepID, ok := h.stepID(c)
	if !ok {
		return
	}

	var body QuizBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := h.engine.SubmitQuizAnswers(c.Request.Context(), c.Param("id"), stepID, body.ActorID, body.Answers)
	if err != nil {
		h.operationError(c, err)
		return
	}

	c.JSON(outcomeStatus(result.Outcome), Response{Success: result.Passed, Data: result})
}

func (h *Handlers) stepID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("stepID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid step id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) operationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrRequestNotFound), errors.Is(err, workflow.ErrStepNotFound):
		c.JSON(http.StatusNotFound, Response{Success: false, Error: err.Error()})
	default:
		h.logger.Error("Workflow operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
	}
}

// outcomeStatus maps business-rule outcomes to HTTP statuses. Quiz gating
// and unauthorized actors are legitimate outcomes, not hard failures, so
// they get client-error statuses the UI can present as affordances.
func outcomeStatus(outcome workflow.Outcome) int {
	switch outcome {
	case workflow.OutcomeUnauthorizedApprover, workflow.OutcomeNotSubmitter:
		return http.StatusForbidden
	case workflow.OutcomeStepNotActive, workflow.OutcomeAlreadyResolved:
		return http.StatusConflict
	case workflow.OutcomeConcurrencyConflict:
		return http.StatusConflict
	case workflow.OutcomeQuizRequired, workflow.OutcomeQuizFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}
