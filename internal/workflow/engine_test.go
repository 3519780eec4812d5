package workflow

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/models"
	"github.com/mkorchagin/intranet-approvals/internal/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- In-memory fakes ---

func copyRequest(r *models.Request) *models.Request {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make([]*models.ApprovalStep, len(r.Steps))
	for i, s := range r.Steps {
		sc := *s
		if s.TemplateStepID != nil {
			v := *s.TemplateStepID
			sc.TemplateStepID = &v
		}
		if s.QuizPassed != nil {
			v := *s.QuizPassed
			sc.QuizPassed = &v
		}
		if s.StartedAt != nil {
			v := *s.StartedAt
			sc.StartedAt = &v
		}
		if s.FinishedAt != nil {
			v := *s.FinishedAt
			sc.FinishedAt = &v
		}
		if s.EscalatedAt != nil {
			v := *s.EscalatedAt
			sc.EscalatedAt = &v
		}
		cp.Steps[i] = &sc
	}
	return &cp
}

// memRequestStore mimics the SQL store's contract: loads hand out copies,
// Save enforces the version token.
type memRequestStore struct {
	requests   map[string]*models.Request
	nextStepID int64
	saves      int

	// failSaves makes the next N Save calls report a version conflict.
	failSaves int

	// escalatable, when set, overrides the live scan so tests can hand the
	// sweeper a stale candidate list.
	escalatable    []string
	useEscalatable bool
}

func newMemRequestStore() *memRequestStore {
	return &memRequestStore{requests: make(map[string]*models.Request), nextStepID: 1}
}

func (m *memRequestStore) GetWithSteps(_ context.Context, id string) (*models.Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	return copyRequest(r), nil
}

func (m *memRequestStore) Create(_ context.Context, req *models.Request) error {
	for _, s := range req.Steps {
		if s.ID == 0 {
			s.ID = m.nextStepID
			m.nextStepID++
		}
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *memRequestStore) Save(_ context.Context, req *models.Request) error {
	if m.failSaves > 0 {
		m.failSaves--
		return ErrConcurrencyConflict
	}
	stored, ok := m.requests[req.ID]
	if !ok {
		return ErrRequestNotFound
	}
	if stored.Version != req.Version {
		return ErrConcurrencyConflict
	}
	req.Version++
	m.requests[req.ID] = copyRequest(req)
	m.saves++
	return nil
}

func (m *memRequestStore) ListBySubmitter(_ context.Context, submitterID string, limit, offset int) ([]*models.Request, error) {
	var out []*models.Request
	for _, r := range m.requests {
		if r.SubmitterID == submitterID {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRequestStore) ListEscalatable(_ context.Context, now time.Time) ([]string, error) {
	if m.useEscalatable {
		return m.escalatable, nil
	}
	var ids []string
	for id, r := range m.requests {
		for _, s := range r.Steps {
			if escalationDue(s, now) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

type stubTemplateStore struct {
	templates map[int64]*models.Template
}

func (s *stubTemplateStore) GetWithSteps(_ context.Context, id int64) (*models.Template, error) {
	return s.templates[id], nil
}

type stubQuizBank struct {
	questions map[int64][]*models.QuizQuestion
	saved     map[int64][]*models.QuizAnswer
}

func newStubQuizBank() *stubQuizBank {
	return &stubQuizBank{
		questions: make(map[int64][]*models.QuizQuestion),
		saved:     make(map[int64][]*models.QuizAnswer),
	}
}

func (s *stubQuizBank) QuestionsForStep(_ context.Context, stepTemplateID int64) ([]*models.QuizQuestion, error) {
	return s.questions[stepTemplateID], nil
}

func (s *stubQuizBank) SaveAnswers(_ context.Context, stepID int64, answers []*models.QuizAnswer) error {
	s.saved[stepID] = answers
	return nil
}

type stubActing struct {
	delegates map[string]string
}

func (s *stubActing) ResolveActingUser(_ context.Context, approverID string, _ time.Time) (string, error) {
	if to, ok := s.delegates[approverID]; ok {
		return to, nil
	}
	return approverID, nil
}

type fakeDirectory struct {
	users      map[string]bool
	roles      map[string][]string
	roleGroups map[string][]string
	deptRoles  map[string][]string // keyed dept + "/" + role
}

func (f *fakeDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	return f.users[userID], nil
}

func (f *fakeDirectory) UsersInRole(_ context.Context, roleID string) ([]string, error) {
	return f.roles[roleID], nil
}

func (f *fakeDirectory) UsersInRoleGroup(_ context.Context, roleGroupID string) ([]string, error) {
	return f.roleGroups[roleGroupID], nil
}

func (f *fakeDirectory) UsersInDepartmentRole(_ context.Context, departmentID, roleID string) ([]string, error) {
	return f.deptRoles[departmentID+"/"+roleID], nil
}

type recordingNotifier struct {
	events []notification.Event
}

func (r *recordingNotifier) Notify(ev notification.Event) {
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) types() []notification.EventType {
	out := make([]notification.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// --- Fixture ---

type engineFixture struct {
	store     *memRequestStore
	templates *stubTemplateStore
	quizzes   *stubQuizBank
	acting    *stubActing
	dir       *fakeDirectory
	notifier  *recordingNotifier
	engine    *Engine
	clock     time.Time
}

func newEngineFixture(cfg Config) *engineFixture {
	f := &engineFixture{
		store:     newMemRequestStore(),
		templates: &stubTemplateStore{templates: make(map[int64]*models.Template)},
		quizzes:   newStubQuizBank(),
		acting:    &stubActing{delegates: make(map[string]string)},
		dir: &fakeDirectory{
			users:      make(map[string]bool),
			roles:      make(map[string][]string),
			roleGroups: make(map[string][]string),
			deptRoles:  make(map[string][]string),
		},
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	logger := zap.NewNop()
	f.engine = NewEngine(f.store, f.templates, f.quizzes, f.acting,
		NewApproverResolver(f.dir, logger), f.notifier, cfg, logger)
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *engineFixture) addTemplate(tmpl *models.Template) {
	f.templates.templates[tmpl.ID] = tmpl
}

func (f *engineFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func sequentialTemplate() *models.Template {
	return &models.Template{
		ID:       1,
		Name:     "Hardware purchase",
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 10, TemplateID: 1, StepOrder: 1, Strategy: models.StrategyFixedUser, ApproverUserID: "manager"},
			{ID: 11, TemplateID: 1, StepOrder: 2, Strategy: models.StrategyFixedUser, ApproverUserID: "finance"},
		},
	}
}

// --- Submission ---

func TestEngine_Submit_Sequential(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true

	req, err := f.engine.Submit(context.Background(), models.RequestDraft{
		TemplateID:  1,
		SubmitterID: "alice",
		FormData:    `{"item":"laptop"}`,
	})
	require.NoError(t, err)
	require.Len(t, req.Steps, 2)

	assert.Equal(t, models.RequestStatusInReview, req.Status)
	assert.Equal(t, models.StepStatusInReview, req.Steps[0].Status)
	assert.Equal(t, models.StepStatusPending, req.Steps[1].Status)
	assert.NotNil(t, req.Steps[0].StartedAt)
	assert.Nil(t, req.Steps[1].StartedAt)
	assert.Equal(t, int64(1), req.Version)

	// Only the first order group is announced.
	assert.Equal(t, []notification.EventType{notification.EventStepActivated}, f.notifier.types())

	stored, err := f.store.GetWithSteps(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestEngine_Submit_FanOut(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{
		ID:       2,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 20, TemplateID: 2, StepOrder: 1, Strategy: models.StrategyRole, RoleID: "reviewer",
				GroupID: "g1", MinApprovals: 2},
		},
	})
	f.dir.roles["reviewer"] = []string{"bob", "carol", "dave"}

	req, err := f.engine.Submit(context.Background(), models.RequestDraft{TemplateID: 2, SubmitterID: "alice"})
	require.NoError(t, err)
	require.Len(t, req.Steps, 3)

	for _, s := range req.Steps {
		assert.Equal(t, models.StepStatusInReview, s.Status)
		assert.Equal(t, 2, s.MinApprovals)
		assert.Equal(t, "g1", s.GroupID)
	}
	assert.Len(t, f.notifier.events, 3)
}

func TestEngine_Submit_ActivationEventsCarryStoredStepIDs(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{
		ID:       2,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 20, TemplateID: 2, StepOrder: 1, Strategy: models.StrategyRole, RoleID: "reviewer",
				GroupID: "g1", MinApprovals: 2},
		},
	})
	f.dir.roles["reviewer"] = []string{"bob", "carol"}
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 2, SubmitterID: "alice"})
	require.NoError(t, err)

	stored, err := f.store.GetWithSteps(ctx, req.ID)
	require.NoError(t, err)
	storedIDs := make(map[int64]bool, len(stored.Steps))
	for _, s := range stored.Steps {
		storedIDs[s.ID] = true
	}

	require.Len(t, f.notifier.events, 2)
	seen := make(map[int64]bool)
	for _, ev := range f.notifier.events {
		require.Equal(t, notification.EventStepActivated, ev.Type)
		assert.NotZero(t, ev.StepID, "activation event must name its step")
		assert.True(t, storedIDs[ev.StepID], "event step id %d not found in store", ev.StepID)
		seen[ev.StepID] = true
	}
	assert.Len(t, seen, 2, "each fan-out member announced exactly once")
}

func TestEngine_Submit_UnresolvableStrategyFailsWholeSubmission(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{
		ID:       3,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 30, TemplateID: 3, StepOrder: 1, Strategy: models.StrategyFixedUser, ApproverUserID: "manager"},
			{ID: 31, TemplateID: 3, StepOrder: 2, Strategy: models.StrategyRole, RoleID: "empty-role"},
		},
	})
	f.dir.users["manager"] = true

	_, err := f.engine.Submit(context.Background(), models.RequestDraft{TemplateID: 3, SubmitterID: "alice"})
	require.Error(t, err)

	var resErr *TemplateResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, 2, resErr.StepOrder)

	assert.Empty(t, f.store.requests, "no request row on resolution failure")
	assert.Empty(t, f.notifier.events)
}

func TestEngine_Submit_UnknownOrInactiveTemplate(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{ID: 4, IsActive: false})

	_, err := f.engine.Submit(context.Background(), models.RequestDraft{TemplateID: 99, SubmitterID: "alice"})
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = f.engine.Submit(context.Background(), models.RequestDraft{TemplateID: 4, SubmitterID: "alice"})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestEngine_Submit_ZeroStepsAutoApproves(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{ID: 5, IsActive: true})

	req, err := f.engine.Submit(context.Background(), models.RequestDraft{TemplateID: 5, SubmitterID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, models.RequestStatusApproved, req.Status)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, []notification.EventType{notification.EventRequestCompleted}, f.notifier.types())
}

// --- Sequential approval flow ---

func TestEngine_SequentialFlow_ApproveToCompletion(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedAdvanced, res.Outcome)
	assert.True(t, res.Success())
	assert.Equal(t, models.RequestStatusInReview, res.RequestStatus)

	mid, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusApproved, mid.Steps[0].Status)
	assert.Equal(t, models.StepStatusInReview, mid.Steps[1].Status)
	assert.Equal(t, "looks fine", mid.Steps[0].Comment)

	res, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[1].ID, "finance", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedComplete, res.Outcome)
	assert.Equal(t, models.RequestStatusApproved, res.RequestStatus)

	final, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, final.Status)
	require.NotNil(t, final.CompletedAt)

	assert.Equal(t, []notification.EventType{
		notification.EventStepActivated,
		notification.EventStepApproved,
		notification.EventStepActivated,
		notification.EventStepApproved,
		notification.EventRequestCompleted,
	}, f.notifier.types())
}

func TestEngine_ApproveOutOfOrderRejected(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	// Second step has not been activated yet.
	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[1].ID, "finance", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStepNotActive, res.Outcome)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, cur.Steps[1].Status)
}

func TestEngine_UnauthorizedApprover(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "mallory", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorizedApprover, res.Outcome)
	assert.False(t, res.Success())

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInReview, cur.Steps[0].Status)
	assert.Equal(t, int64(1), cur.Version, "guard failure writes nothing")
}

func TestEngine_ApproveIsIdempotent(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	_, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "")
	require.NoError(t, err)

	first, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	finishedAt := *first.Steps[0].FinishedAt
	eventsBefore := len(f.notifier.events)

	f.advance(time.Hour)
	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyResolved, res.Outcome)

	second, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, finishedAt, *second.Steps[0].FinishedAt, "timestamp unchanged on replay")
	assert.Equal(t, "", second.Steps[0].Comment, "replay comment not recorded")
	assert.Len(t, f.notifier.events, eventsBefore, "no duplicate notifications")
}

// --- Rejection ---

func TestEngine_RejectShortCircuitsRequest(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{
		ID:       6,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 60, TemplateID: 6, StepOrder: 1, Strategy: models.StrategyRole, RoleID: "reviewer",
				GroupID: "g1", MinApprovals: 2},
			{ID: 61, TemplateID: 6, StepOrder: 2, Strategy: models.StrategyFixedUser, ApproverUserID: "finance"},
		},
	})
	f.dir.roles["reviewer"] = []string{"bob", "carol"}
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 6, SubmitterID: "alice"})
	require.NoError(t, err)
	require.Len(t, req.Steps, 3)

	res, err := f.engine.RejectStep(ctx, req.ID, req.Steps[0].ID, "bob", "over budget")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, models.RequestStatusRejected, res.RequestStatus)

	final, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, final.Status)
	require.NotNil(t, final.CompletedAt)

	assert.Equal(t, models.StepStatusRejected, final.Steps[0].Status)
	assert.Equal(t, models.StepStatusSuperseded, final.Steps[1].Status, "active sibling skipped")
	assert.Equal(t, models.StepStatusPending, final.Steps[2].Status, "never-reached step stays pending")

	// Siblings cannot be resolved after the halt.
	res, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[1].ID, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyResolved, res.Outcome)
}

// --- Parallel group aggregation ---

func TestEngine_ParallelGroup_MinApprovals(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{
		ID:       7,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 70, TemplateID: 7, StepOrder: 1, Strategy: models.StrategyRole, RoleID: "reviewer",
				GroupID: "g1", MinApprovals: 2},
			{ID: 71, TemplateID: 7, StepOrder: 2, Strategy: models.StrategyFixedUser, ApproverUserID: "finance"},
		},
	})
	f.dir.roles["reviewer"] = []string{"bob", "carol", "dave"}
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 7, SubmitterID: "alice"})
	require.NoError(t, err)
	require.Len(t, req.Steps, 4)

	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedGroupPending, res.Outcome)
	assert.Equal(t, models.RequestStatusInReview, res.RequestStatus)

	res, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[1].ID, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedAdvanced, res.Outcome)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusApproved, cur.Steps[0].Status)
	assert.Equal(t, models.StepStatusApproved, cur.Steps[1].Status)
	assert.Equal(t, models.StepStatusSuperseded, cur.Steps[2].Status, "leftover member skipped on threshold")
	assert.Equal(t, models.StepStatusInReview, cur.Steps[3].Status)

	// The superseded member's vote no longer counts or lands.
	res, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[2].ID, "dave", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyResolved, res.Outcome)
}

// --- Quiz gate ---

func quizTemplate() *models.Template {
	return &models.Template{
		ID:       8,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 80, TemplateID: 8, StepOrder: 1, Strategy: models.StrategyFixedUser,
				ApproverUserID: "manager", RequiresQuiz: true},
		},
	}
}

func quizQuestions() []*models.QuizQuestion {
	return []*models.QuizQuestion{
		{ID: 1, StepTemplateID: 80, Text: "Safety briefing attended?", Options: `["A","B"]`, CorrectOption: "A"},
		{ID: 2, StepTemplateID: 80, Text: "Policy version acknowledged?", Options: `["A","B","C"]`, CorrectOption: "B"},
	}
}

func TestEngine_QuizGate_BlocksApprovalUntilPassed(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(quizTemplate())
	f.dir.users["manager"] = true
	f.quizzes.questions[80] = quizQuestions()
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 8, SubmitterID: "alice"})
	require.NoError(t, err)
	stepID := req.Steps[0].ID

	// Approving before the quiz parks the step instead of failing.
	res, err := f.engine.ApproveStep(ctx, req.ID, stepID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuizRequired, res.Outcome)
	assert.Equal(t, models.RequestStatusAwaitingSurvey, res.RequestStatus)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRequiresSurvey, cur.Steps[0].Status)

	// Repeating the attempt is a read-only no-op.
	version := cur.Version
	res, err = f.engine.ApproveStep(ctx, req.ID, stepID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuizRequired, res.Outcome)
	cur, err = f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, version, cur.Version)

	// A failed quiz blocks approval but allows a retake.
	qres, err := f.engine.SubmitQuizAnswers(ctx, req.ID, stepID, "alice", map[int64]string{1: "A", 2: "C"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuizFailed, qres.Outcome)
	assert.False(t, qres.Passed)
	assert.Equal(t, 1, qres.Correct)
	assert.Equal(t, 2, qres.Total)

	res, err = f.engine.ApproveStep(ctx, req.ID, stepID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuizFailed, res.Outcome)

	// Retake with all answers correct.
	qres, err = f.engine.SubmitQuizAnswers(ctx, req.ID, stepID, "alice", map[int64]string{1: "A", 2: "B"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuizPassed, qres.Outcome)
	assert.True(t, qres.Passed)

	require.Len(t, f.quizzes.saved[stepID], 2, "retake overwrites the answer set")
	for _, row := range f.quizzes.saved[stepID] {
		assert.True(t, row.Correct)
		assert.Equal(t, stepID, row.StepID)
	}

	res, err = f.engine.ApproveStep(ctx, req.ID, stepID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedComplete, res.Outcome)
	assert.Equal(t, models.RequestStatusApproved, res.RequestStatus)
}

func TestEngine_Quiz_SubmitterOnly(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(quizTemplate())
	f.dir.users["manager"] = true
	f.quizzes.questions[80] = quizQuestions()
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 8, SubmitterID: "alice"})
	require.NoError(t, err)

	qres, err := f.engine.SubmitQuizAnswers(ctx, req.ID, req.Steps[0].ID, "manager", map[int64]string{1: "A", 2: "B"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotSubmitter, qres.Outcome)
	assert.Empty(t, f.quizzes.saved)
}

func TestEngine_Quiz_RejectIgnoresQuizState(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(quizTemplate())
	f.dir.users["manager"] = true
	f.quizzes.questions[80] = quizQuestions()
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 8, SubmitterID: "alice"})
	require.NoError(t, err)

	res, err := f.engine.RejectStep(ctx, req.ID, req.Steps[0].ID, "manager", "not needed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, models.RequestStatusRejected, res.RequestStatus)
}

func TestEngine_Quiz_PassThreshold(t *testing.T) {
	f := newEngineFixture(Config{QuizPassThreshold: 0.5})
	f.addTemplate(quizTemplate())
	f.dir.users["manager"] = true
	f.quizzes.questions[80] = quizQuestions()
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 8, SubmitterID: "alice"})
	require.NoError(t, err)

	// One of two correct clears a 0.5 threshold.
	qres, err := f.engine.SubmitQuizAnswers(ctx, req.ID, req.Steps[0].ID, "alice", map[int64]string{1: "A", 2: "C"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuizPassed, qres.Outcome)
	assert.True(t, qres.Passed)
}

func TestEngine_Quiz_ConflictedSaveLeavesNoAnswerRows(t *testing.T) {
	f := newEngineFixture(Config{ResolveRetries: 2})
	f.addTemplate(quizTemplate())
	f.dir.users["manager"] = true
	f.quizzes.questions[80] = quizQuestions()
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 8, SubmitterID: "alice"})
	require.NoError(t, err)
	stepID := req.Steps[0].ID

	f.store.failSaves = 100
	qres, err := f.engine.SubmitQuizAnswers(ctx, req.ID, stepID, "alice", map[int64]string{1: "A", 2: "B"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConcurrencyConflict, qres.Outcome)

	// The verdict never committed, so no answer rows may exist either.
	assert.Empty(t, f.quizzes.saved)

	f.store.failSaves = 0
	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, cur.Steps[0].QuizPassed)
}

// --- Delegation ---

func TestEngine_DelegateActsForApprover(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	f.acting.delegates["manager"] = "deputy"
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	// Someone who is neither the approver nor the delegate is refused.
	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "mallory", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorizedApprover, res.Outcome)

	res, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "deputy", "covering for manager")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedAdvanced, res.Outcome)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusApproved, cur.Steps[0].Status)
	assert.Equal(t, "manager", cur.Steps[0].ApproverID, "step keeps the resolved approver")
}

func TestEngine_ApproverActsDirectlyDespiteDelegation(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	f.acting.delegates["manager"] = "deputy"
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedAdvanced, res.Outcome)
}

// --- Escalation ---

func escalatingTemplate() *models.Template {
	return &models.Template{
		ID:       9,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 90, TemplateID: 9, StepOrder: 1, Strategy: models.StrategyFixedUser,
				ApproverUserID: "manager", EscalationTimeout: 4 * time.Hour, EscalationUserID: "director"},
		},
	}
}

func TestEngine_EscalationSweep(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(escalatingTemplate())
	f.dir.users["manager"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 9, SubmitterID: "alice"})
	require.NoError(t, err)

	// Before the deadline nothing happens.
	f.advance(time.Hour)
	n, err := f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(4 * time.Hour)
	n, err = f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	step := cur.Steps[0]
	assert.Equal(t, models.StepStatusInReview, step.Status, "escalation does not change the primary status")
	require.NotNil(t, step.EscalatedAt)
	assert.Equal(t, "director", step.EscalatedTo)
	assert.Equal(t, "director", step.EffectiveApprover())

	last := f.notifier.events[len(f.notifier.events)-1]
	assert.Equal(t, notification.EventStepEscalated, last.Type)
	assert.Equal(t, "director", last.ApproverID)

	// The sweep is idempotent.
	f.advance(time.Hour)
	n, err = f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The escalation target resolves the step; the original approver no
	// longer can.
	res, err := f.engine.ApproveStep(ctx, req.ID, step.ID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorizedApprover, res.Outcome)

	res, err = f.engine.ApproveStep(ctx, req.ID, step.ID, "director", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedComplete, res.Outcome)
}

func TestEngine_EscalationSweep_DefaultTarget(t *testing.T) {
	f := newEngineFixture(Config{DefaultEscalationUserID: "ops-lead"})
	f.addTemplate(&models.Template{
		ID:       10,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 100, TemplateID: 10, StepOrder: 1, Strategy: models.StrategyFixedUser,
				ApproverUserID: "manager", EscalationTimeout: time.Hour},
		},
	})
	f.dir.users["manager"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 10, SubmitterID: "alice"})
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	n, err := f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops-lead", cur.Steps[0].EscalatedTo)
}

func TestEngine_EscalationSweep_NoTargetLeavesStepUnstamped(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(&models.Template{
		ID:       11,
		IsActive: true,
		Steps: []*models.StepTemplate{
			{ID: 110, TemplateID: 11, StepOrder: 1, Strategy: models.StrategyFixedUser,
				ApproverUserID: "manager", EscalationTimeout: time.Hour},
		},
	})
	f.dir.users["manager"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 11, SubmitterID: "alice"})
	require.NoError(t, err)

	// Neither the template nor the config names a target: no stamp, no
	// event, and the step stays eligible for a later sweep.
	f.advance(2 * time.Hour)
	n, err := f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, cur.Steps[0].EscalatedAt)
	assert.Empty(t, cur.Steps[0].EscalatedTo)
	for _, ev := range f.notifier.events {
		assert.NotEqual(t, notification.EventStepEscalated, ev.Type)
	}

	// Once a default target is configured the step escalates after all.
	f.engine.cfg.DefaultEscalationUserID = "ops-lead"
	n, err = f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err = f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops-lead", cur.Steps[0].EscalatedTo)
}

func TestEngine_EscalationSweep_SkipsStepResolvedAfterScan(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(escalatingTemplate())
	f.dir.users["manager"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 9, SubmitterID: "alice"})
	require.NoError(t, err)

	// The step gets approved between the candidate scan and the sweep's
	// per-request pass; the stale candidate must not be escalated.
	_, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "")
	require.NoError(t, err)

	f.store.useEscalatable = true
	f.store.escalatable = []string{req.ID}

	f.advance(6 * time.Hour)
	n, err := f.engine.RunEscalationSweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, cur.Steps[0].EscalatedAt)
}

// --- Optimistic concurrency ---

func TestEngine_VersionConflictRetries(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	f.store.failSaves = 2
	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedAdvanced, res.Outcome, "retry after transient conflicts")
}

func TestEngine_VersionConflictExhaustsRetries(t *testing.T) {
	f := newEngineFixture(Config{ResolveRetries: 2})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	f.store.failSaves = 100
	res, err := f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConcurrencyConflict, res.Outcome)

	cur, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInReview, cur.Steps[0].Status, "no partial write")
}

func TestEngine_CancelledContextAbortsBeforeWrite(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true

	req, err := f.engine.Submit(context.Background(), models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.engine.ApproveStep(ctx, req.ID, req.Steps[0].ID, "manager", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.store.saves, "no write after cancellation")

	cur, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInReview, cur.Steps[0].Status)
}

func TestEngine_UnknownRequestAndStep(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	_, err := f.engine.ApproveStep(ctx, "no-such-request", 1, "manager", "")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	req, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)

	_, err = f.engine.ApproveStep(ctx, req.ID, 9999, "manager", "")
	assert.ErrorIs(t, err, ErrStepNotFound)

	_, err = f.engine.GetRequest(ctx, "no-such-request")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestEngine_ListRequests(t *testing.T) {
	f := newEngineFixture(Config{})
	f.addTemplate(sequentialTemplate())
	f.dir.users["manager"] = true
	f.dir.users["finance"] = true
	ctx := context.Background()

	first, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)
	f.advance(time.Minute)
	second, err := f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "alice"})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, models.RequestDraft{TemplateID: 1, SubmitterID: "bob"})
	require.NoError(t, err)

	list, err := f.engine.ListRequests(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)

	list, err = f.engine.ListRequests(ctx, "alice", 1, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = f.engine.ListRequests(ctx, "nobody", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// --- Status derivation ---

func TestComputeRequestStatus(t *testing.T) {
	step := func(status string) *models.ApprovalStep {
		return &models.ApprovalStep{Status: status}
	}

	tests := []struct {
		name     string
		steps    []*models.ApprovalStep
		expected string
	}{
		{"no steps", nil, models.RequestStatusApproved},
		{"all pending", []*models.ApprovalStep{step(models.StepStatusPending)}, models.RequestStatusInReview},
		{"active step", []*models.ApprovalStep{step(models.StepStatusApproved), step(models.StepStatusInReview)}, models.RequestStatusInReview},
		{"survey pending", []*models.ApprovalStep{step(models.StepStatusRequiresSurvey)}, models.RequestStatusAwaitingSurvey},
		{"all approved", []*models.ApprovalStep{step(models.StepStatusApproved), step(models.StepStatusApproved)}, models.RequestStatusApproved},
		{"approved and superseded", []*models.ApprovalStep{step(models.StepStatusApproved), step(models.StepStatusSuperseded)}, models.RequestStatusApproved},
		{"rejection wins", []*models.ApprovalStep{step(models.StepStatusApproved), step(models.StepStatusRejected), step(models.StepStatusInReview)}, models.RequestStatusRejected},
		{"rejection wins over survey", []*models.ApprovalStep{step(models.StepStatusRequiresSurvey), step(models.StepStatusRejected)}, models.RequestStatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, computeRequestStatus(tt.steps))
		})
	}
}

func TestGroupApproved(t *testing.T) {
	step := func(status string, min int) *models.ApprovalStep {
		return &models.ApprovalStep{Status: status, MinApprovals: min}
	}

	tests := []struct {
		name     string
		group    []*models.ApprovalStep
		expected bool
	}{
		{"single approved", []*models.ApprovalStep{step(models.StepStatusApproved, 1)}, true},
		{"single active", []*models.ApprovalStep{step(models.StepStatusInReview, 1)}, false},
		{"two of three, threshold two", []*models.ApprovalStep{
			step(models.StepStatusApproved, 2), step(models.StepStatusApproved, 2), step(models.StepStatusInReview, 2),
		}, true},
		{"one of three, threshold two", []*models.ApprovalStep{
			step(models.StepStatusApproved, 2), step(models.StepStatusInReview, 2), step(models.StepStatusInReview, 2),
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, groupApproved(tt.group))
		})
	}
}
