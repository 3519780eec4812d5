package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/internal/notification"
	"github.com/mkorchagin/intranet-approvals/internal/workflow/fsm"
	"go.uber.org/zap"
)

// Config tunes engine behavior
type Config struct {
	// QuizPassThreshold is the fraction of quiz questions that must be
	// answered correctly; 1.0 means all of them.
	QuizPassThreshold float64

	// ResolveRetries bounds reload-and-retry attempts after an
	// optimistic-concurrency conflict.
	ResolveRetries int

	// DefaultEscalationUserID receives escalated steps whose template
	// names no escalation target.
	DefaultEscalationUserID string
}

// Engine orchestrates the approval workflow: it materializes step lists at
// submission, guards and applies step resolutions, aggregates parallel
// groups, and escalates stuck steps. All request mutations go through a
// read, apply, optimistically-save cycle; notification events dispatch
// only after the state committed.
type Engine struct {
	requests  RequestStore
	templates TemplateStore
	quizzes   QuizBank
	acting    ActingUserResolver
	resolver  *ApproverResolver
	notifier  notification.Notifier
	lifecycle fsm.Builder
	gate      *QuizGate
	cfg       Config
	logger    *zap.Logger

	now func() time.Time
}

// NewEngine creates a workflow engine
func NewEngine(
	requests RequestStore,
	templates TemplateStore,
	quizzes QuizBank,
	acting ActingUserResolver,
	resolver *ApproverResolver,
	notifier notification.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.ResolveRetries <= 0 {
		cfg.ResolveRetries = 3
	}
	return &Engine{
		requests:  requests,
		templates: templates,
		quizzes:   quizzes,
		acting:    acting,
		resolver:  resolver,
		notifier:  notifier,
		lifecycle: fsm.NewStepLifecycle(),
		gate:      NewQuizGate(cfg.QuizPassThreshold),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit materializes the approval step list for a new request from its
// template snapshot and activates the first order group. A strategy
// resolving to zero users fails the whole submission; no request row is
// created.
func (e *Engine) Submit(ctx context.Context, draft models.RequestDraft) (*models.Request, error) {
	tmpl, err := e.templates.GetWithSteps(ctx, draft.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", draft.TemplateID, err)
	}
	if tmpl == nil || !tmpl.IsActive {
		return nil, fmt.Errorf("%w: id %d", ErrTemplateNotFound, draft.TemplateID)
	}

	now := e.now()
	req := &models.Request{
		ID:          uuid.NewString(),
		TemplateID:  tmpl.ID,
		SubmitterID: draft.SubmitterID,
		Priority:    draft.Priority,
		FormData:    draft.FormData,
		Status:      models.RequestStatusInReview,
		SubmittedAt: now,
		Version:     1,
	}

	stepTemplates := append([]*models.StepTemplate{}, tmpl.Steps...)
	sort.SliceStable(stepTemplates, func(i, j int) bool {
		return stepTemplates[i].StepOrder < stepTemplates[j].StepOrder
	})

	for _, st := range stepTemplates {
		approvers, err := e.resolver.Resolve(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, userID := range approvers {
			req.Steps = append(req.Steps, materializeStep(req.ID, st, userID, now))
		}
	}

	var activated []*models.ApprovalStep
	if len(req.Steps) == 0 {
		// Zero required steps: the request is immediately approved.
		req.Status = models.RequestStatusApproved
		req.CompletedAt = &now
	} else {
		activated = e.activateOrder(req, req.Steps[0].StepOrder, now)
	}

	if err := e.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Events are built after Create so they carry the assigned step ids.
	var events []notification.Event
	for _, s := range activated {
		events = append(events, e.event(notification.EventStepActivated, req, s, ""))
	}
	if len(req.Steps) == 0 {
		events = append(events, e.event(notification.EventRequestCompleted, req, nil, ""))
	}
	e.emit(events)

	e.logger.Info("Request submitted",
		zap.String("request_id", req.ID),
		zap.Int64("template_id", tmpl.ID),
		zap.String("submitter", req.SubmitterID),
		zap.Int("steps", len(req.Steps)),
		zap.String("status", req.Status))

	return req, nil
}

// ApproveStep applies an approval decision to a step
func (e *Engine) ApproveStep(ctx context.Context, requestID string, stepID int64, actorID, comment string) (Result, error) {
	return e.resolveStep(ctx, requestID, stepID, decisionApprove, actorID, comment)
}

// RejectStep applies a rejection decision to a step
func (e *Engine) RejectStep(ctx context.Context, requestID string, stepID int64, actorID, comment string) (Result, error) {
	return e.resolveStep(ctx, requestID, stepID, decisionReject, actorID, comment)
}

// ListRequests returns a submitter's requests, newest first
func (e *Engine) ListRequests(ctx context.Context, submitterID string, limit, offset int) ([]*models.Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return e.requests.ListBySubmitter(ctx, submitterID, limit, offset)
}

// GetRequest loads a request with its steps
func (e *Engine) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	req, err := e.requests.GetWithSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

type decision int

const (
	decisionApprove decision = iota
	decisionReject
)

// resolveStep is the single mutating entry point for approve/reject. It
// reloads the request on every attempt so a decision is never applied
// against a stale step list.
func (e *Engine) resolveStep(ctx context.Context, requestID string, stepID int64, dec decision, actorID, comment string) (Result, error) {
	for attempt := 0; attempt <= e.cfg.ResolveRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			// Cancellation aborts before any write lands.
			return Result{}, err
		}

		req, err := e.requests.GetWithSteps(ctx, requestID)
		if err != nil {
			return Result{}, err
		}
		if req == nil {
			return Result{}, ErrRequestNotFound
		}

		result, events, mutated, err := e.apply(ctx, req, stepID, dec, actorID, comment)
		if err != nil {
			return Result{}, err
		}
		result.RequestStatus = req.Status

		if !mutated {
			return result, nil
		}

		if err := e.requests.Save(ctx, req); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				e.logger.Debug("Version conflict, retrying",
					zap.String("request_id", requestID),
					zap.Int64("step_id", stepID),
					zap.Int("attempt", attempt))
				continue
			}
			return Result{}, err
		}

		e.emit(events)
		return result, nil
	}

	return Result{Outcome: OutcomeConcurrencyConflict, Message: MsgConcurrencyConflict}, nil
}

// apply evaluates guards and mutates the in-memory request. It reports
// whether anything changed; the caller persists and emits events.
func (e *Engine) apply(ctx context.Context, req *models.Request, stepID int64, dec decision, actorID, comment string) (Result, []notification.Event, bool, error) {
	step := req.StepByID(stepID)
	if step == nil {
		return Result{}, nil, false, fmt.Errorf("%w: request %s step %d", ErrStepNotFound, req.ID, stepID)
	}

	// Idempotency: re-resolving a terminal step re-applies nothing.
	if step.IsTerminal() {
		return Result{Outcome: OutcomeAlreadyResolved, Message: MsgAlreadyResolved}, nil, false, nil
	}

	// Out-of-order calls on pending steps are rejected regardless of timing.
	if !step.IsActive() {
		return Result{Outcome: OutcomeStepNotActive, Message: MsgStepNotActive}, nil, false, nil
	}

	now := e.now()

	// Delegation is resolved at decision time: a delegation created after
	// step activation still applies.
	approver := step.EffectiveApprover()
	if actorID != approver {
		acting, err := e.acting.ResolveActingUser(ctx, approver, now)
		if err != nil {
			return Result{}, nil, false, err
		}
		if actorID != acting {
			return Result{Outcome: OutcomeUnauthorizedApprover, Message: MsgUnauthorizedApprover}, nil, false, nil
		}
	}

	if dec == decisionReject {
		return e.applyReject(ctx, req, step, actorID, comment, now)
	}
	return e.applyApprove(ctx, req, step, actorID, comment, now)
}

// applyReject short-circuits the entire request: a single hard rejection
// anywhere in the chain halts the workflow. Quiz state is irrelevant on
// this path.
func (e *Engine) applyReject(ctx context.Context, req *models.Request, step *models.ApprovalStep, actorID, comment string, now time.Time) (Result, []notification.Event, bool, error) {
	if err := e.transition(ctx, step, fsm.TriggerReject); err != nil {
		return Result{}, nil, false, err
	}
	step.Comment = comment
	step.FinishedAt = &now

	// Active siblings are administratively skipped; never-started steps
	// stay PENDING so the audit trail shows they were never reached.
	for _, s := range req.Steps {
		if s.ID != step.ID && s.IsActive() {
			s.Status = models.StepStatusSuperseded
			s.FinishedAt = &now
		}
	}

	req.Status = computeRequestStatus(req.Steps)
	if req.CompletedAt == nil {
		req.CompletedAt = &now
	}

	events := []notification.Event{
		e.event(notification.EventStepRejected, req, step, actorID),
		e.event(notification.EventRequestCompleted, req, nil, actorID),
	}

	return Result{Outcome: OutcomeRejected, Message: MsgRejected}, events, true, nil
}

func (e *Engine) applyApprove(ctx context.Context, req *models.Request, step *models.ApprovalStep, actorID, comment string, now time.Time) (Result, []notification.Event, bool, error) {
	if step.RequiresQuiz {
		switch {
		case step.QuizPassed == nil:
			// Quiz not yet evaluated: park the step instead of failing.
			mutated := false
			if step.Status != models.StepStatusRequiresSurvey {
				if err := e.transition(ctx, step, fsm.TriggerRequireSurvey); err != nil {
					return Result{}, nil, false, err
				}
				req.Status = computeRequestStatus(req.Steps)
				mutated = true
			}
			return Result{Outcome: OutcomeQuizRequired, Message: MsgQuizRequired}, nil, mutated, nil

		case !*step.QuizPassed:
			return Result{Outcome: OutcomeQuizFailed, Message: MsgQuizFailed}, nil, false, nil
		}
	}

	if err := e.transition(ctx, step, fsm.TriggerApprove); err != nil {
		return Result{}, nil, false, err
	}
	step.Comment = comment
	step.FinishedAt = &now

	events := []notification.Event{e.event(notification.EventStepApproved, req, step, actorID)}

	group := stepsAtOrder(req.Steps, step.StepOrder)
	if !groupApproved(group) {
		req.Status = computeRequestStatus(req.Steps)
		return Result{Outcome: OutcomeApprovedGroupPending, Message: MsgApprovedGroupPending}, events, true, nil
	}

	// Threshold met: remaining group members are administratively skipped,
	// terminal but distinct from APPROVED/REJECTED for the audit trail.
	for _, s := range group {
		if !s.IsTerminal() {
			s.Status = models.StepStatusSuperseded
			s.FinishedAt = &now
		}
	}

	if next, ok := nextPendingOrder(req.Steps, step.StepOrder); ok {
		for _, s := range e.activateOrder(req, next, now) {
			events = append(events, e.event(notification.EventStepActivated, req, s, ""))
		}
		req.Status = computeRequestStatus(req.Steps)
		return Result{Outcome: OutcomeApprovedAdvanced, Message: MsgApprovedAdvanced}, events, true, nil
	}

	req.Status = computeRequestStatus(req.Steps)
	if req.CompletedAt == nil {
		req.CompletedAt = &now
	}
	events = append(events, e.event(notification.EventRequestCompleted, req, nil, actorID))

	return Result{Outcome: OutcomeApprovedComplete, Message: MsgApprovedComplete}, events, true, nil
}

// SubmitQuizAnswers scores the submitter's answer set for a quiz-gated
// step and records the verdict on the step. Only the request's submitter
// may answer; approvers only ever see the verdict.
func (e *Engine) SubmitQuizAnswers(ctx context.Context, requestID string, stepID int64, actorID string, answers map[int64]string) (QuizResult, error) {
	for attempt := 0; attempt <= e.cfg.ResolveRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return QuizResult{}, err
		}

		req, err := e.requests.GetWithSteps(ctx, requestID)
		if err != nil {
			return QuizResult{}, err
		}
		if req == nil {
			return QuizResult{}, ErrRequestNotFound
		}

		step := req.StepByID(stepID)
		if step == nil {
			return QuizResult{}, fmt.Errorf("%w: request %s step %d", ErrStepNotFound, requestID, stepID)
		}

		if actorID != req.SubmitterID {
			return QuizResult{Outcome: OutcomeNotSubmitter, Message: MsgNotSubmitter}, nil
		}
		if !step.RequiresQuiz || !step.IsActive() {
			return QuizResult{Outcome: OutcomeStepNotActive, Message: MsgStepNotActive}, nil
		}

		var questions []*models.QuizQuestion
		if step.TemplateStepID != nil {
			questions, err = e.quizzes.QuestionsForStep(ctx, *step.TemplateStepID)
			if err != nil {
				return QuizResult{}, fmt.Errorf("failed to load question bank: %w", err)
			}
		}

		now := e.now()
		passed, correct, rows := e.gate.Score(questions, answers, now)
		for _, row := range rows {
			row.StepID = stepID
		}

		step.QuizPassed = &passed
		if err := e.requests.Save(ctx, req); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return QuizResult{}, err
		}

		// Answer rows follow the committed verdict, so a conflicted save
		// leaves no orphaned rows; a retake overwrites the set.
		if err := e.quizzes.SaveAnswers(ctx, stepID, rows); err != nil {
			return QuizResult{}, fmt.Errorf("failed to save quiz answers: %w", err)
		}

		e.logger.Info("Quiz scored",
			zap.String("request_id", requestID),
			zap.Int64("step_id", stepID),
			zap.Bool("passed", passed),
			zap.Int("correct", correct),
			zap.Int("total", len(questions)))

		msg := MsgQuizFailed
		outcome := OutcomeQuizFailed
		if passed {
			msg = "quiz passed"
			outcome = OutcomeQuizPassed
		}
		return QuizResult{Outcome: outcome, Passed: passed, Correct: correct, Total: len(questions), Message: msg}, nil
	}

	return QuizResult{Outcome: OutcomeConcurrencyConflict, Message: MsgConcurrencyConflict}, nil
}

// RunEscalationSweep escalates active steps whose timeout elapsed before
// now. It holds one request's consistency boundary at a time and re-checks
// the scan predicate against freshly loaded state before writing, so a
// step approved in the interim is never escalated. Safe to run repeatedly
// and concurrently with manual approvals.
func (e *Engine) RunEscalationSweep(ctx context.Context, now time.Time) (int, error) {
	requestIDs, err := e.requests.ListEscalatable(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for escalatable steps: %w", err)
	}

	escalated := 0
	for _, id := range requestIDs {
		if err := ctx.Err(); err != nil {
			return escalated, err
		}

		n, err := e.sweepRequest(ctx, id, now)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				// A live approval won the race; the next sweep re-checks.
				e.logger.Debug("Sweep lost version race, skipping", zap.String("request_id", id))
				continue
			}
			e.logger.Error("Failed to escalate request", zap.String("request_id", id), zap.Error(err))
			continue
		}
		escalated += n
	}

	if escalated > 0 {
		e.logger.Info("Escalation sweep finished",
			zap.Int("requests_scanned", len(requestIDs)),
			zap.Int("steps_escalated", escalated))
	}

	return escalated, nil
}

func (e *Engine) sweepRequest(ctx context.Context, requestID string, now time.Time) (int, error) {
	req, err := e.requests.GetWithSteps(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if req == nil {
		return 0, nil
	}

	var events []notification.Event
	for _, step := range req.Steps {
		if !escalationDue(step, now) {
			continue
		}

		target := step.EscalationUserID
		if target == "" {
			target = e.cfg.DefaultEscalationUserID
		}
		if target == "" {
			// No target anywhere: leave the step unstamped so a later
			// configuration change can still escalate it.
			e.logger.Warn("No escalation target for overdue step",
				zap.String("request_id", req.ID),
				zap.Int64("step_id", step.ID))
			continue
		}

		// Reassign the acting approver; the primary status is untouched
		// and the step stays actionable.
		ts := now
		step.EscalatedAt = &ts
		step.EscalatedTo = target
		events = append(events, e.event(notification.EventStepEscalated, req, step, ""))
	}

	if len(events) == 0 {
		return 0, nil
	}

	if err := e.requests.Save(ctx, req); err != nil {
		return 0, err
	}

	e.emit(events)
	return len(events), nil
}

// escalationDue is the sweep predicate: active, never escalated, timeout
// configured and elapsed.
func escalationDue(step *models.ApprovalStep, now time.Time) bool {
	if !step.IsActive() || step.EscalatedAt != nil {
		return false
	}
	if step.EscalationTimeout <= 0 || step.StartedAt == nil {
		return false
	}
	return step.StartedAt.Add(step.EscalationTimeout).Before(now)
}

// transition drives the step through the lifecycle state machine so every
// status change is validated in one place.
func (e *Engine) transition(ctx context.Context, step *models.ApprovalStep, trigger fsm.Trigger) error {
	m := e.lifecycle.Build(fsm.State(step.Status))
	if err := m.Fire(ctx, trigger); err != nil {
		return fmt.Errorf("step %d: %w", step.ID, err)
	}
	step.Status = string(m.State())
	return nil
}

// activateOrder starts every step at the given order value and returns the
// activated steps; callers build the events once the ids are final
func (e *Engine) activateOrder(req *models.Request, order int, now time.Time) []*models.ApprovalStep {
	var activated []*models.ApprovalStep
	for _, s := range req.Steps {
		if s.StepOrder != order || s.Status != models.StepStatusPending {
			continue
		}
		s.Status = models.StepStatusInReview
		ts := now
		s.StartedAt = &ts
		activated = append(activated, s)
	}
	return activated
}

func (e *Engine) event(t notification.EventType, req *models.Request, step *models.ApprovalStep, actorID string) notification.Event {
	ev := notification.Event{
		Type:          t,
		RequestID:     req.ID,
		ActorID:       actorID,
		RequestStatus: req.Status,
		OccurredAt:    e.now(),
	}
	if step != nil {
		ev.StepID = step.ID
		ev.ApproverID = step.EffectiveApprover()
		ev.Comment = step.Comment
	}
	return ev
}

func (e *Engine) emit(events []notification.Event) {
	for _, ev := range events {
		e.notifier.Notify(ev)
	}
}

// materializeStep freezes one step-template/approver pair into a concrete
// approval step owned by the request.
func materializeStep(requestID string, st *models.StepTemplate, approverID string, now time.Time) *models.ApprovalStep {
	minApprovals := st.MinApprovals
	if minApprovals < 1 {
		minApprovals = 1
	}
	templateStepID := st.ID
	return &models.ApprovalStep{
		RequestID:         requestID,
		TemplateStepID:    &templateStepID,
		StepOrder:         st.StepOrder,
		GroupID:           st.GroupID,
		MinApprovals:      minApprovals,
		ApproverID:        approverID,
		Status:            models.StepStatusPending,
		RequiresQuiz:      st.RequiresQuiz,
		CreatedAt:         now,
		EscalationTimeout: st.EscalationTimeout,
		EscalationUserID:  st.EscalationUserID,
	}
}

// stepsAtOrder returns the members of one order position
func stepsAtOrder(steps []*models.ApprovalStep, order int) []*models.ApprovalStep {
	var group []*models.ApprovalStep
	for _, s := range steps {
		if s.StepOrder == order {
			group = append(group, s)
		}
	}
	return group
}

// groupApproved reports whether the order group met its approval
// threshold: at least MinApprovals members APPROVED, regardless of the
// remaining members' state.
func groupApproved(group []*models.ApprovalStep) bool {
	approved, threshold := 0, 1
	for _, s := range group {
		if s.MinApprovals > threshold {
			threshold = s.MinApprovals
		}
		if s.Status == models.StepStatusApproved {
			approved++
		}
	}
	return approved >= threshold
}

// nextPendingOrder returns the smallest order above current that still has
// pending steps
func nextPendingOrder(steps []*models.ApprovalStep, current int) (int, bool) {
	next, found := 0, false
	for _, s := range steps {
		if s.Status != models.StepStatusPending || s.StepOrder <= current {
			continue
		}
		if !found || s.StepOrder < next {
			next = s.StepOrder
			found = true
		}
	}
	return next, found
}

// computeRequestStatus derives the request status from its steps. The
// request status is never set directly by the approver-facing API.
func computeRequestStatus(steps []*models.ApprovalStep) string {
	if len(steps) == 0 {
		return models.RequestStatusApproved
	}

	allTerminal := true
	for _, s := range steps {
		if s.Status == models.StepStatusRejected {
			return models.RequestStatusRejected
		}
		if !s.IsTerminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		return models.RequestStatusApproved
	}

	for _, s := range steps {
		if s.Status == models.StepStatusRequiresSurvey {
			return models.RequestStatusAwaitingSurvey
		}
	}
	return models.RequestStatusInReview
}
