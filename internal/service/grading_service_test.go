package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/nilai-go-api/internal/dto"
	"github.com/noah-isme/nilai-go-api/internal/models"
	"github.com/noah-isme/nilai-go-api/internal/repository"
	"github.com/noah-isme/nilai-go-api/pkg/ai"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeAssignmentStore struct {
	assignments map[uint]models.Assignment
}

func (f *fakeAssignmentStore) List(ctx context.Context) ([]models.Assignment, error) {
	results := make([]models.Assignment, 0, len(f.assignments))
	for _, assignment := range f.assignments {
		results = append(results, assignment)
	}
	return results, nil
}

func (f *fakeAssignmentStore) GetByID(ctx context.Context, id uint) (models.Assignment, error) {
	assignment, ok := f.assignments[id]
	if !ok {
		return models.Assignment{}, gorm.ErrRecordNotFound
	}
	return assignment, nil
}

func (f *fakeAssignmentStore) Create(ctx context.Context, assignment *models.Assignment) error {
	if assignment.ID == 0 {
		assignment.ID = uint(len(f.assignments) + 1)
	}
	f.assignments[assignment.ID] = *assignment
	return nil
}

func (f *fakeAssignmentStore) Update(ctx context.Context, assignment *models.Assignment) error {
	f.assignments[assignment.ID] = *assignment
	return nil
}

func (f *fakeAssignmentStore) Replace(ctx context.Context, assignment *models.Assignment) error {
	f.assignments[assignment.ID] = *assignment
	return nil
}

type fakeSubmissionStore struct {
	mu          sync.Mutex
	submissions map[uint]models.Submission
	history     []models.GradeHistory
	nextID      uint
	saveCalls   int
}

func newFakeSubmissionStore() *fakeSubmissionStore {
	return &fakeSubmissionStore{submissions: make(map[uint]models.Submission), nextID: 1}
}

func (f *fakeSubmissionStore) List(ctx context.Context, filter repository.SubmissionFilter) ([]models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]models.Submission, 0, len(f.submissions))
	for _, submission := range f.submissions {
		results = append(results, submission)
	}
	return results, nil
}

func (f *fakeSubmissionStore) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	submission, ok := f.submissions[id]
	if !ok {
		return models.Submission{}, gorm.ErrRecordNotFound
	}
	// hand out fresh slices the way a real query would
	components := make([]models.GradeComponent, len(submission.Components))
	copy(components, submission.Components)
	submission.Components = components
	answers := make([]models.SubmittedAnswer, len(submission.Answers))
	copy(answers, submission.Answers)
	submission.Answers = answers
	return submission, nil
}

func (f *fakeSubmissionStore) Create(ctx context.Context, submission *models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	submission.ID = f.nextID
	f.nextID++
	f.submissions[submission.ID] = *submission
	return nil
}

func (f *fakeSubmissionStore) Save(ctx context.Context, submission *models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	f.submissions[submission.ID] = *submission
	return nil
}

func (f *fakeSubmissionStore) AppendHistory(ctx context.Context, entries []models.GradeHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entries...)
	return nil
}

type stubBatchGrader struct {
	results []ai.GradeResult
	err     error
	calls   int
	items   []ai.GradeItem
}

func (s *stubBatchGrader) GradeBatch(ctx context.Context, batch ai.BatchContext, items []ai.GradeItem) ([]ai.GradeResult, error) {
	s.calls++
	s.items = items
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func encodeOptions(t *testing.T, options ...string) datatypes.JSON {
	t.Helper()
	encoded, err := json.Marshal(options)
	require.NoError(t, err)
	return datatypes.JSON(encoded)
}

func optionPtr(v int) *int {
	return &v
}

// biologyAssignment has one 10-point choice question (ID 1, correct index 1)
// and one 20-point essay question (ID 2).
func biologyAssignment(t *testing.T) models.Assignment {
	t.Helper()
	return models.Assignment{
		ID:               1,
		Title:            "Cell Biology",
		ReferenceContent: "Chapter 3: membranes and transport",
		AIGradingEnabled: true,
		Deadline:         time.Now().Add(24 * time.Hour),
		Questions: []models.Question{
			{ID: 1, AssignmentID: 1, Position: 0, Text: "Which organelle produces ATP?", Type: models.QuestionTypeChoice, Points: 10, Options: encodeOptions(t, "nucleus", "mitochondria", "ribosome"), CorrectOption: optionPtr(1)},
			{ID: 2, AssignmentID: 1, Position: 1, Text: "Explain osmosis.", Type: models.QuestionTypeEssay, Points: 20},
		},
	}
}

func newGradingFixture(t *testing.T, grader ai.BatchGrader, assignment models.Assignment) (*gradingService, *fakeSubmissionStore) {
	t.Helper()

	assignments := &fakeAssignmentStore{assignments: map[uint]models.Assignment{assignment.ID: assignment}}
	submissions := newFakeSubmissionStore()
	validate := validator.New(validator.WithRequiredStructEnabled())

	svc := NewGradingService(submissions, assignments, grader, validate, nil, nil, GradingConfig{}, testLogger()).(*gradingService)
	return svc, submissions
}

func seedSubmission(t *testing.T, store *fakeSubmissionStore, answers ...models.SubmittedAnswer) uint {
	t.Helper()

	submission := models.Submission{
		AssignmentID: 1,
		StudentID:    42,
		Status:       models.SubmissionStatusSubmitted,
		SubmittedAt:  time.Now(),
		Answers:      answers,
	}
	require.NoError(t, store.Create(context.Background(), &submission))
	return submission.ID
}

func TestSubmitStoresSanitizedAnswers(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))

	resp, err := svc.Submit(context.Background(), dto.SubmissionCreateRequest{
		AssignmentID: 1,
		StudentID:    42,
		Answers: []dto.AnswerPayload{
			{QuestionID: 1, SelectedOption: optionPtr(1)},
			{QuestionID: 2, Text: "<script>alert(1)</script>Water moves toward higher solute concentration."},
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, resp.Status)
	require.Equal(t, 2, resp.AnswerCount)

	stored, err := store.GetByID(context.Background(), resp.ID)
	require.NoError(t, err)
	essay := stored.AnswerByQuestion(2)
	require.NotNil(t, essay)
	require.NotContains(t, essay.Text, "script")
	require.Contains(t, essay.Text, "solute concentration")
}

func TestSubmitValidation(t *testing.T) {
	assignment := biologyAssignment(t)

	cases := []struct {
		name    string
		answers []dto.AnswerPayload
	}{
		{name: "unknown question", answers: []dto.AnswerPayload{{QuestionID: 99, Text: "hi"}}},
		{name: "duplicate answer", answers: []dto.AnswerPayload{
			{QuestionID: 1, SelectedOption: optionPtr(0)},
			{QuestionID: 1, SelectedOption: optionPtr(1)},
		}},
		{name: "option on essay question", answers: []dto.AnswerPayload{{QuestionID: 2, SelectedOption: optionPtr(0)}}},
		{name: "text on choice question", answers: []dto.AnswerPayload{{QuestionID: 1, SelectedOption: optionPtr(0), Text: "also this"}}},
		{name: "option index out of range", answers: []dto.AnswerPayload{{QuestionID: 1, SelectedOption: optionPtr(7)}}},
		{name: "empty essay after sanitization", answers: []dto.AnswerPayload{{QuestionID: 2, Text: "<script>only markup</script>"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newGradingFixture(t, nil, assignment)
			_, err := svc.Submit(context.Background(), dto.SubmissionCreateRequest{AssignmentID: 1, StudentID: 42, Answers: tc.answers})
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			require.Empty(t, store.submissions)
		})
	}
}

func TestSubmitAfterDeadline(t *testing.T) {
	assignment := biologyAssignment(t)
	assignment.Deadline = time.Now().Add(-time.Hour)
	svc, _ := newGradingFixture(t, nil, assignment)

	_, err := svc.Submit(context.Background(), dto.SubmissionCreateRequest{
		AssignmentID: 1,
		StudentID:    42,
		Answers:      []dto.AnswerPayload{{QuestionID: 1, SelectedOption: optionPtr(1)}},
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestTriggerGradingAutoOnly(t *testing.T) {
	assignment := biologyAssignment(t)
	// drop the essay so auto grading completes the submission
	assignment.Questions = assignment.Questions[:1]
	svc, store := newGradingFixture(t, nil, assignment)
	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)})

	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusAutoGraded, grade.Status)
	require.NotNil(t, grade.TotalScore)
	require.Equal(t, 10.0, *grade.TotalScore)
	require.Len(t, grade.PerQuestion, 1)
	require.Equal(t, models.GradeSourceAuto, grade.PerQuestion[0].Source)
}

func TestTriggerGradingIsIdempotent(t *testing.T) {
	assignment := biologyAssignment(t)
	assignment.Questions = assignment.Questions[:1]
	svc, store := newGradingFixture(t, nil, assignment)
	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)})

	first := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }
	_, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)

	svc.now = func() time.Time { return first.Add(time.Hour) }
	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)

	// same verdict, same stamp: a rerun converges to identical state
	require.NotNil(t, grade.PerQuestion[0].GradedAt)
	require.Equal(t, first, *grade.PerQuestion[0].GradedAt)
	require.Len(t, store.history, 1)
}

func TestTriggerGradingRunsAIBatch(t *testing.T) {
	grader := &stubBatchGrader{results: []ai.GradeResult{{QuestionID: 2, Score: 15, Feedback: "solid explanation"}}}
	svc, store := newGradingFixture(t, grader, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "Water crosses the membrane toward solutes."},
	)

	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusAIGraded, grade.Status)
	require.Equal(t, 25.0, *grade.TotalScore)
	require.Equal(t, 1, grader.calls)
	require.Len(t, grader.items, 1)
	require.Equal(t, uint(2), grader.items[0].QuestionID)
	require.Equal(t, 20.0, grader.items[0].MaxPoints)

	// a rerun has nothing left to send to the grader
	again, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, grader.calls)
	require.Equal(t, models.SubmissionStatusAIGraded, again.Status)
	require.Equal(t, 25.0, *again.TotalScore)
}

func TestTriggerGradingClampsAIScores(t *testing.T) {
	grader := &stubBatchGrader{results: []ai.GradeResult{{QuestionID: 2, Score: 999, Feedback: "generous"}}}
	svc, store := newGradingFixture(t, grader, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	essay := grade.PerQuestion[1]
	require.NotNil(t, essay.Score)
	require.Equal(t, 20.0, *essay.Score)
}

func TestTriggerGradingWithoutGraderQueuesManualReview(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(0)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusNeedsManualReview, grade.Status)
	require.Nil(t, grade.PerQuestion[1].Score)
}

func TestTriggerGradingFallbackNeedsManualReview(t *testing.T) {
	grader := &stubBatchGrader{results: ai.FallbackResults([]ai.GradeItem{{QuestionID: 2, MaxPoints: 20}})}
	svc, store := newGradingFixture(t, grader, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusNeedsManualReview, grade.Status)

	essay := grade.PerQuestion[1]
	require.NotNil(t, essay.Score)
	require.Equal(t, 14.0, *essay.Score)
	require.Equal(t, ai.FallbackFeedback, essay.Feedback)
	require.Equal(t, 24.0, *grade.TotalScore)

	// a rerun neither resends the fallback-scored answer nor lifts the flag
	again, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, grader.calls)
	require.Equal(t, models.SubmissionStatusNeedsManualReview, again.Status)
}

func TestTriggerGradingPartialBatchStaysInReview(t *testing.T) {
	assignment := biologyAssignment(t)
	assignment.Questions = append(assignment.Questions, models.Question{
		ID: 3, AssignmentID: 1, Position: 2, Text: "Describe diffusion.", Type: models.QuestionTypeEssay, Points: 10,
	})
	grader := &stubBatchGrader{results: []ai.GradeResult{{QuestionID: 2, Score: 15, Feedback: "solid"}}}
	svc, store := newGradingFixture(t, grader, assignment)
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	grade, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	// the unanswered essay still sits with a teacher after a successful batch
	require.Equal(t, models.SubmissionStatusNeedsManualReview, grade.Status)
	require.Equal(t, 1, grader.calls)
	require.Equal(t, 25.0, *grade.TotalScore)
	require.Nil(t, grade.PerQuestion[2].Score)
}

func TestTriggerGradingCancelledBatchKeepsState(t *testing.T) {
	grader := &stubBatchGrader{err: context.Canceled}
	svc, store := newGradingFixture(t, grader, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	_, err := svc.TriggerGrading(context.Background(), id)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusAutoGraded, stored.Status)
	require.Nil(t, stored.ComponentByQuestion(2))
}

func TestTriggerGradingSubmissionNotFound(t *testing.T) {
	svc, _ := newGradingFixture(t, nil, biologyAssignment(t))
	_, err := svc.TriggerGrading(context.Background(), 404)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestOverrideGradeManualWins(t *testing.T) {
	grader := &stubBatchGrader{results: []ai.GradeResult{{QuestionID: 2, Score: 5, Feedback: "thin"}}}
	svc, store := newGradingFixture(t, grader, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	grade, err := svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: 18, Feedback: "strong argument"}, GradingActor{ID: 7, Role: "teacher"})
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusNeedsManualReview, grade.Status)

	// the override removes the essay from the AI queue entirely
	after, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	require.Zero(t, grader.calls)

	essay := after.PerQuestion[1]
	require.Equal(t, 18.0, *essay.Score)
	require.Equal(t, models.GradeSourceManual, essay.Source)
	require.Equal(t, "strong argument", essay.Feedback)
	require.Equal(t, 28.0, *after.TotalScore)
}

func TestOverrideGradeOutOfRange(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 2, Text: "An answer."})

	before := store.saveCalls
	_, err := svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: 25}, GradingActor{ID: 7, Role: "teacher"})
	require.ErrorIs(t, err, ErrScoreOutOfRange)
	require.Equal(t, before, store.saveCalls)
}

func TestOverrideGradeUnknownQuestion(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 2, Text: "An answer."})

	_, err := svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 55, Score: 5}, GradingActor{ID: 7, Role: "teacher"})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestOverrideGradeRecordsAuthor(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 2, Text: "An answer."})

	_, err := svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: 12, Feedback: "fair"}, GradingActor{ID: 7, Role: "teacher"})
	require.NoError(t, err)

	stored, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	component := stored.ComponentByQuestion(2)
	require.NotNil(t, component)
	require.NotNil(t, component.GradedBy)
	require.Equal(t, uint(7), *component.GradedBy)

	require.Len(t, store.history, 1)
	require.Equal(t, models.GradeSourceManual, store.history[0].Source)
	require.NotNil(t, store.history[0].GradedBy)
}

func TestPublishLifecycle(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)
	actor := GradingActor{ID: 7, Role: "teacher"}

	_, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	_, err = svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: 16}, actor)
	require.NoError(t, err)

	published, err := svc.Publish(context.Background(), id, actor)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)
	require.Equal(t, 26.0, *published.TotalScore)

	savesAfterPublish := store.saveCalls

	// repeat publish returns the frozen grade without writing
	repeat, err := svc.Publish(context.Background(), id, actor)
	require.NoError(t, err)
	require.Equal(t, *published.TotalScore, *repeat.TotalScore)
	require.Equal(t, published.PublishedAt.Unix(), repeat.PublishedAt.Unix())
	require.Equal(t, savesAfterPublish, store.saveCalls)

	// every mutation is rejected once the grade is terminal
	_, err = svc.TriggerGrading(context.Background(), id)
	require.ErrorIs(t, err, ErrAlreadyPublished)
	_, err = svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: 10}, actor)
	require.ErrorIs(t, err, ErrAlreadyPublished)
}

func TestPublishNotReady(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)

	// only the choice question gets graded; the essay stays open
	_, err := svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)

	savesBefore := store.saveCalls
	_, err = svc.Publish(context.Background(), id, GradingActor{ID: 7, Role: "teacher"})
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	require.Equal(t, []uint{2}, notReady.MissingQuestionIDs)
	require.Equal(t, savesBefore, store.saveCalls)
}

func TestGetGradeServesPublishedFromCache(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()

	assignment := biologyAssignment(t)
	assignments := &fakeAssignmentStore{assignments: map[uint]models.Assignment{assignment.ID: assignment}}
	store := newFakeSubmissionStore()
	validate := validator.New(validator.WithRequiredStructEnabled())
	svc := NewGradingService(store, assignments, nil, validate, redisClient, nil, GradingConfig{}, testLogger()).(*gradingService)

	id := seedSubmission(t, store,
		models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)},
		models.SubmittedAnswer{QuestionID: 2, Text: "An answer."},
	)
	actor := GradingActor{ID: 7, Role: "teacher"}

	_, err = svc.TriggerGrading(context.Background(), id)
	require.NoError(t, err)
	_, err = svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: 16}, actor)
	require.NoError(t, err)
	published, err := svc.Publish(context.Background(), id, actor)
	require.NoError(t, err)

	// corrupt the store; the cached projection must still be served
	store.mu.Lock()
	tampered := store.submissions[id]
	zero := 0.0
	tampered.TotalScore = &zero
	store.submissions[id] = tampered
	store.mu.Unlock()

	grade, err := svc.GetGrade(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, *published.TotalScore, *grade.TotalScore)
}

func TestGetGradeUnpublishedIsNotCached(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()

	assignment := biologyAssignment(t)
	assignments := &fakeAssignmentStore{assignments: map[uint]models.Assignment{assignment.ID: assignment}}
	store := newFakeSubmissionStore()
	validate := validator.New(validator.WithRequiredStructEnabled())
	svc := NewGradingService(store, assignments, nil, validate, redisClient, nil, GradingConfig{}, testLogger()).(*gradingService)

	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)})

	grade, err := svc.GetGrade(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, grade.Status)
	require.False(t, server.Exists(gradeCacheKey(id)))
}

func TestConcurrentOverridesStayBounded(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	id := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 2, Text: "An answer."})
	actor := GradingActor{ID: 7, Role: "teacher"}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(score float64) {
			defer wg.Done()
			_, err := svc.OverrideGrade(context.Background(), id, dto.OverrideGradeRequest{QuestionID: 2, Score: score}, actor)
			errs <- err
		}(float64(i + 10))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, stored.Components, 1)
	component := stored.ComponentByQuestion(2)
	require.GreaterOrEqual(t, component.Score, 10.0)
	require.LessOrEqual(t, component.Score, 17.0)
	require.NotNil(t, stored.TotalScore)
	require.Equal(t, component.Score, *stored.TotalScore)
}

func TestListSubmissions(t *testing.T) {
	svc, store := newGradingFixture(t, nil, biologyAssignment(t))
	first := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 1, SelectedOption: optionPtr(1)})
	second := seedSubmission(t, store, models.SubmittedAnswer{QuestionID: 2, Text: "An answer."})

	listed, err := svc.ListSubmissions(context.Background(), repository.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 2)

	ids := []uint{listed[0].ID, listed[1].ID}
	require.ElementsMatch(t, []uint{first, second}, ids)
}

func TestStatusNeverRegresses(t *testing.T) {
	submission := models.Submission{Status: models.SubmissionStatusAIGraded}
	advanceStatus(&submission, models.SubmissionStatusAutoGraded)
	require.Equal(t, models.SubmissionStatusAIGraded, submission.Status)

	advanceStatus(&submission, models.SubmissionStatusNeedsManualReview)
	require.Equal(t, models.SubmissionStatusNeedsManualReview, submission.Status)

	advanceStatus(&submission, models.SubmissionStatusAIGraded)
	require.Equal(t, models.SubmissionStatusNeedsManualReview, submission.Status)

	advanceStatus(&submission, models.SubmissionStatusPublished)
	require.Equal(t, models.SubmissionStatusPublished, submission.Status)

	advanceStatus(&submission, models.SubmissionStatusSubmitted)
	require.Equal(t, models.SubmissionStatusPublished, submission.Status)
}
