package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/nilai-go-api/internal/dto"
	"github.com/noah-isme/nilai-go-api/internal/grading"
	"github.com/noah-isme/nilai-go-api/internal/models"
	"github.com/noah-isme/nilai-go-api/internal/observability"
	"github.com/noah-isme/nilai-go-api/internal/repository"
	"github.com/noah-isme/nilai-go-api/pkg/ai"
)

// GradingActor identifies the authenticated user behind a grading action.
type GradingActor struct {
	ID   uint
	Role string
}

// GradingConfig carries the workflow knobs.
type GradingConfig struct {
	AIBatchTimeout time.Duration
	GradeCacheTTL  time.Duration
	PublishSubject string
}

// GradingService is the workflow controller: it owns the submission state
// machine, the merge precedence rules, and the one-way publish commit.
type GradingService interface {
	Submit(ctx context.Context, payload dto.SubmissionCreateRequest) (dto.SubmissionResponse, error)
	ListSubmissions(ctx context.Context, filter repository.SubmissionFilter) ([]dto.SubmissionResponse, error)
	TriggerGrading(ctx context.Context, submissionID uint) (dto.GradeResponse, error)
	OverrideGrade(ctx context.Context, submissionID uint, payload dto.OverrideGradeRequest, actor GradingActor) (dto.GradeResponse, error)
	Publish(ctx context.Context, submissionID uint, actor GradingActor) (dto.GradeResponse, error)
	GetGrade(ctx context.Context, submissionID uint) (dto.GradeResponse, error)
}

type gradingService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	grader      ai.BatchGrader
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	cache       *redis.Client
	events      *nats.Conn
	cfg         GradingConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	locks       *submissionLocks
}

// NewGradingService constructs the grading workflow controller. The cache and
// events connections are optional; grading works without them.
func NewGradingService(submissionRepo repository.SubmissionRepository, assignmentRepo repository.AssignmentRepository, grader ai.BatchGrader, validate *validator.Validate, cache *redis.Client, events *nats.Conn, cfg GradingConfig, logger zerolog.Logger) GradingService {
	if cfg.AIBatchTimeout <= 0 {
		cfg.AIBatchTimeout = 60 * time.Second
	}
	if cfg.GradeCacheTTL <= 0 {
		cfg.GradeCacheTTL = 10 * time.Minute
	}
	if cfg.PublishSubject == "" {
		cfg.PublishSubject = "nilai.grades.published"
	}

	return &gradingService{
		submissions: submissionRepo,
		assignments: assignmentRepo,
		grader:      grader,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		cache:       cache,
		events:      events,
		cfg:         cfg,
		logger:      logger.With().Str("component", "grading_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/nilai-go-api/internal/service/grading"),
		now:         time.Now,
		locks:       newSubmissionLocks(),
	}
}

// submissionLocks serializes writes per submission. Grading, overrides, and
// publish on the same submission are mutually excluded; different submissions
// proceed independently.
type submissionLocks struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func newSubmissionLocks() *submissionLocks {
	return &submissionLocks{locks: make(map[uint]*sync.Mutex)}
}

func (l *submissionLocks) acquire(id uint) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	return lock
}

func (s *gradingService) Submit(ctx context.Context, payload dto.SubmissionCreateRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	assignment, err := s.assignments.GetByID(ctx, payload.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrAssignmentNotFound
		}
		return dto.SubmissionResponse{}, err
	}

	if assignment.IsPastDeadline(s.now()) {
		return dto.SubmissionResponse{}, newValidationError("assignment deadline has passed")
	}

	answers, err := s.buildAnswers(assignment, payload.Answers)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    payload.StudentID,
		Status:       models.SubmissionStatusSubmitted,
		SubmittedAt:  s.now(),
		Answers:      answers,
	}

	if err := s.submissions.Create(ctx, &submission); err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("assignment_id", assignment.ID).
		Uint("student_id", submission.StudentID).
		Int("answers", len(answers)).
		Msg("submission received")

	return dto.NewSubmissionResponse(submission), nil
}

// ListSubmissions returns submissions narrowed by assignment, student, or
// status. Teachers use this to find what still needs grading.
func (s *gradingService) ListSubmissions(ctx context.Context, filter repository.SubmissionFilter) ([]dto.SubmissionResponse, error) {
	submissions, err := s.submissions.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.SubmissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		responses = append(responses, dto.NewSubmissionResponse(submission))
	}

	return responses, nil
}

// buildAnswers validates the payload against the assignment: every answer
// must reference a known question at most once, and must carry exactly the
// field the question type expects.
func (s *gradingService) buildAnswers(assignment models.Assignment, payloads []dto.AnswerPayload) ([]models.SubmittedAnswer, error) {
	seen := make(map[uint]struct{}, len(payloads))
	answers := make([]models.SubmittedAnswer, 0, len(payloads))

	for _, item := range payloads {
		question, ok := assignment.QuestionByID(item.QuestionID)
		if !ok {
			return nil, newValidationError("answer references unknown question %d", item.QuestionID)
		}
		if _, dup := seen[item.QuestionID]; dup {
			return nil, newValidationError("duplicate answer for question %d", item.QuestionID)
		}
		seen[item.QuestionID] = struct{}{}

		answer := models.SubmittedAnswer{QuestionID: item.QuestionID}

		switch {
		case question.IsChoice():
			if item.SelectedOption == nil {
				return nil, newValidationError("question %d expects a selected option", item.QuestionID)
			}
			if item.Text != "" {
				return nil, newValidationError("question %d does not accept free text", item.QuestionID)
			}
			if *item.SelectedOption < 0 || *item.SelectedOption >= len(question.OptionList()) {
				return nil, newValidationError("selected option %d out of range for question %d", *item.SelectedOption, item.QuestionID)
			}
			answer.SelectedOption = item.SelectedOption
		default:
			if item.SelectedOption != nil {
				return nil, newValidationError("question %d does not accept an option index", item.QuestionID)
			}
			text := strings.TrimSpace(s.sanitizer.Sanitize(item.Text))
			if text == "" {
				return nil, newValidationError("answer for question %d is empty", item.QuestionID)
			}
			answer.Text = text
		}

		answers = append(answers, answer)
	}

	return answers, nil
}

func (s *gradingService) TriggerGrading(ctx context.Context, submissionID uint) (dto.GradeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.trigger", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
	))
	defer span.End()

	lock := s.locks.acquire(submissionID)
	lock.Lock()

	submission, assignment, err := s.loadPair(ctx, submissionID)
	if err != nil {
		lock.Unlock()
		return dto.GradeResponse{}, s.fail(span, err)
	}
	if submission.IsPublished() {
		lock.Unlock()
		return dto.GradeResponse{}, s.fail(span, ErrAlreadyPublished)
	}

	before := cloneComponents(submission.Components)

	incoming := make([]models.GradeComponent, 0, len(assignment.Questions))
	now := s.now()
	for _, question := range assignment.Questions {
		if !question.IsChoice() {
			continue
		}
		incoming = append(incoming, grading.ScoreChoice(question, submission.AnswerByQuestion(question.ID), now))
	}

	submission.Components = grading.Apply(submission.Components, incoming)
	s.refreshTotal(assignment, &submission)
	advanceStatus(&submission, models.SubmissionStatusAutoGraded)

	items := s.pendingAIItems(assignment, submission)
	runAI := s.grader != nil && assignment.AIGradingEnabled && len(items) > 0

	if !runAI && hasUngradedFreeText(assignment, submission) {
		advanceStatus(&submission, models.SubmissionStatusNeedsManualReview)
	}

	if err := s.submissions.Save(ctx, &submission); err != nil {
		lock.Unlock()
		return dto.GradeResponse{}, s.fail(span, err)
	}
	s.appendHistory(ctx, submission, before, nil)
	lock.Unlock()

	observability.GradingRuns().WithLabelValues("auto").Inc()

	if runAI {
		return s.runAIBatch(ctx, span, lock, assignment, submissionID, items)
	}

	span.SetAttributes(attribute.String("grading.status", submission.Status))
	return dto.NewGradeResponse(assignment, submission), nil
}

// runAIBatch performs the single batched AI call outside the submission lock
// and merges the results back under it. The reload before merging means a
// manual override landed during the network round trip still wins.
func (s *gradingService) runAIBatch(ctx context.Context, span trace.Span, lock *sync.Mutex, assignment models.Assignment, submissionID uint, items []ai.GradeItem) (dto.GradeResponse, error) {
	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.AIBatchTimeout)
	defer cancel()

	results, err := s.grader.GradeBatch(batchCtx, ai.BatchContext{
		AssignmentTitle:  assignment.Title,
		ReferenceContent: assignment.ReferenceContent,
	}, items)
	if err != nil {
		// Only caller cancellation reaches here; the submission keeps its
		// pre-batch state and no partial results are written.
		return dto.GradeResponse{}, s.fail(span, err)
	}

	lock.Lock()
	defer lock.Unlock()

	submission, assignment, err := s.loadPair(ctx, submissionID)
	if err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}
	if submission.IsPublished() {
		return dto.GradeResponse{}, s.fail(span, ErrAlreadyPublished)
	}

	before := cloneComponents(submission.Components)

	incoming := make([]models.GradeComponent, 0, len(results))
	now := s.now()
	for _, result := range results {
		question, ok := assignment.QuestionByID(result.QuestionID)
		if !ok {
			continue
		}
		score, _ := ai.ClampScore(result.Score, question.Points)
		incoming = append(incoming, models.GradeComponent{
			QuestionID: result.QuestionID,
			Source:     models.GradeSourceAI,
			Score:      score,
			Feedback:   result.Feedback,
			GradedAt:   now,
		})
	}

	submission.Components = grading.Apply(submission.Components, incoming)
	s.refreshTotal(assignment, &submission)

	// A fallback verdict is a placeholder score, not a grade: the submission
	// stays with a teacher, same as when free-text questions remain ungraded.
	if fallbackApplied(submission, results) || hasUngradedFreeText(assignment, submission) {
		advanceStatus(&submission, models.SubmissionStatusNeedsManualReview)
	} else {
		advanceStatus(&submission, models.SubmissionStatusAIGraded)
	}

	if err := s.submissions.Save(ctx, &submission); err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}
	s.appendHistory(ctx, submission, before, nil)

	observability.GradingRuns().WithLabelValues("ai").Inc()
	span.SetAttributes(
		attribute.Int("grading.ai_items", len(items)),
		attribute.String("grading.status", submission.Status),
	)

	return dto.NewGradeResponse(assignment, submission), nil
}

// pendingAIItems collects the answered free-text questions that have no grade
// component yet. Manually graded questions are never re-sent; that guarantee
// lives here, not in the adapter.
func (s *gradingService) pendingAIItems(assignment models.Assignment, submission models.Submission) []ai.GradeItem {
	items := make([]ai.GradeItem, 0, len(assignment.Questions))
	for _, question := range assignment.Questions {
		if !question.IsFreeText() {
			continue
		}
		if submission.ComponentByQuestion(question.ID) != nil {
			continue
		}
		answer := submission.AnswerByQuestion(question.ID)
		if answer == nil || strings.TrimSpace(answer.Text) == "" {
			continue
		}
		items = append(items, ai.GradeItem{
			QuestionID:    question.ID,
			QuestionText:  question.Text,
			QuestionType:  question.Type,
			StudentAnswer: answer.Text,
			MaxPoints:     question.Points,
		})
	}
	return items
}

func (s *gradingService) OverrideGrade(ctx context.Context, submissionID uint, payload dto.OverrideGradeRequest, actor GradingActor) (dto.GradeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.override", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Int64("grading.actor_id", int64(actor.ID)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}

	lock := s.locks.acquire(submissionID)
	lock.Lock()
	defer lock.Unlock()

	submission, assignment, err := s.loadPair(ctx, submissionID)
	if err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}
	if submission.IsPublished() {
		return dto.GradeResponse{}, s.fail(span, ErrAlreadyPublished)
	}

	question, ok := assignment.QuestionByID(payload.QuestionID)
	if !ok {
		return dto.GradeResponse{}, s.fail(span, newValidationError("question %d is not part of assignment %d", payload.QuestionID, assignment.ID))
	}

	if payload.Score < 0 || payload.Score > question.Points+1e-9 {
		return dto.GradeResponse{}, s.fail(span, fmt.Errorf("%w: %v not in [0, %v]", ErrScoreOutOfRange, payload.Score, question.Points))
	}

	before := cloneComponents(submission.Components)
	gradedBy := actor.ID

	submission.Components = grading.Apply(submission.Components, []models.GradeComponent{{
		QuestionID: payload.QuestionID,
		Source:     models.GradeSourceManual,
		Score:      payload.Score,
		Feedback:   strings.TrimSpace(s.sanitizer.Sanitize(payload.Feedback)),
		GradedAt:   s.now(),
		GradedBy:   &gradedBy,
	}})
	s.refreshTotal(assignment, &submission)
	advanceStatus(&submission, models.SubmissionStatusNeedsManualReview)

	if err := s.submissions.Save(ctx, &submission); err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}
	s.appendHistory(ctx, submission, before, &gradedBy)

	observability.GradingRuns().WithLabelValues("manual").Inc()
	span.SetAttributes(attribute.Float64("grading.score", payload.Score))

	return dto.NewGradeResponse(assignment, submission), nil
}

func (s *gradingService) Publish(ctx context.Context, submissionID uint, actor GradingActor) (dto.GradeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.publish", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Int64("grading.actor_id", int64(actor.ID)),
	))
	defer span.End()

	lock := s.locks.acquire(submissionID)
	lock.Lock()
	defer lock.Unlock()

	submission, assignment, err := s.loadPair(ctx, submissionID)
	if err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}

	if submission.IsPublished() {
		// Publish is terminal and idempotent: repeating it returns the frozen
		// grade unchanged.
		return dto.NewGradeResponse(assignment, submission), nil
	}

	if missing := grading.UngradedQuestionIDs(assignment.Questions, submission.Components); len(missing) > 0 {
		return dto.GradeResponse{}, s.fail(span, &NotReadyError{MissingQuestionIDs: missing})
	}

	total := grading.Total(assignment.Questions, submission.Components)
	publishedAt := s.now()
	submission.TotalScore = &total
	submission.PublishedAt = &publishedAt
	submission.Status = models.SubmissionStatusPublished

	if err := s.submissions.Save(ctx, &submission); err != nil {
		return dto.GradeResponse{}, s.fail(span, err)
	}

	response := dto.NewGradeResponse(assignment, submission)
	s.cacheGrade(ctx, response)
	s.emitPublished(submission, total)

	observability.GradesPublished().Inc()
	span.SetAttributes(attribute.Float64("grading.total", total))
	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("actor_id", actor.ID).
		Float64("total", total).
		Msg("grade published")

	return response, nil
}

func (s *gradingService) GetGrade(ctx context.Context, submissionID uint) (dto.GradeResponse, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, gradeCacheKey(submissionID)).Result(); err == nil {
			var response dto.GradeResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				s.logger.Debug().Uint("submission_id", submissionID).Msg("grade cache hit")
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read grade cache")
		}
	}

	submission, assignment, err := s.loadPair(ctx, submissionID)
	if err != nil {
		return dto.GradeResponse{}, err
	}

	response := dto.NewGradeResponse(assignment, submission)
	if submission.IsPublished() {
		s.cacheGrade(ctx, response)
	}

	return response, nil
}

func (s *gradingService) loadPair(ctx context.Context, submissionID uint) (models.Submission, models.Assignment, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, models.Assignment{}, ErrSubmissionNotFound
		}
		return models.Submission{}, models.Assignment{}, err
	}

	assignment, err := s.assignments.GetByID(ctx, submission.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, models.Assignment{}, ErrAssignmentNotFound
		}
		return models.Submission{}, models.Assignment{}, err
	}

	return submission, assignment, nil
}

// refreshTotal recomputes the cached projection. Before publish it tracks the
// sum of currently known components so callers can show a running subtotal.
func (s *gradingService) refreshTotal(assignment models.Assignment, submission *models.Submission) {
	total := grading.Total(assignment.Questions, submission.Components)
	submission.TotalScore = &total
}

// appendHistory records every component that changed relative to the
// pre-operation snapshot. History failures are logged, never fatal.
func (s *gradingService) appendHistory(ctx context.Context, submission models.Submission, before []models.GradeComponent, gradedBy *uint) {
	previous := make(map[uint]models.GradeComponent, len(before))
	for _, component := range before {
		previous[component.QuestionID] = component
	}

	var entries []models.GradeHistory
	for _, component := range submission.Components {
		old, existed := previous[component.QuestionID]
		if existed && old.Source == component.Source && old.Score == component.Score && old.Feedback == component.Feedback {
			continue
		}
		entry := models.GradeHistory{
			SubmissionID: submission.ID,
			QuestionID:   component.QuestionID,
			Source:       component.Source,
			Score:        component.Score,
			Feedback:     component.Feedback,
			GradedAt:     component.GradedAt,
			GradedBy:     component.GradedBy,
		}
		if entry.GradedBy == nil {
			entry.GradedBy = gradedBy
		}
		entries = append(entries, entry)
	}

	if err := s.submissions.AppendHistory(ctx, entries); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to persist grade history")
	}
}

func (s *gradingService) cacheGrade(ctx context.Context, response dto.GradeResponse) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, gradeCacheKey(response.SubmissionID), payload, s.cfg.GradeCacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store grade cache")
	}
}

type gradePublishedEvent struct {
	SubmissionID uint      `json:"submission_id"`
	AssignmentID uint      `json:"assignment_id"`
	StudentID    uint      `json:"student_id"`
	TotalScore   float64   `json:"total_score"`
	PublishedAt  time.Time `json:"published_at"`
}

func (s *gradingService) emitPublished(submission models.Submission, total float64) {
	if s.events == nil {
		return
	}
	event := gradePublishedEvent{
		SubmissionID: submission.ID,
		AssignmentID: submission.AssignmentID,
		StudentID:    submission.StudentID,
		TotalScore:   total,
		PublishedAt:  *submission.PublishedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.events.Publish(s.cfg.PublishSubject, payload); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to publish grade event")
	}
}

func (s *gradingService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func gradeCacheKey(submissionID uint) string {
	return fmt.Sprintf("grade:submission:%d", submissionID)
}

func statusRank(status string) int {
	switch status {
	case models.SubmissionStatusSubmitted:
		return 0
	case models.SubmissionStatusAutoGraded:
		return 1
	case models.SubmissionStatusAIGraded, models.SubmissionStatusNeedsManualReview:
		return 2
	case models.SubmissionStatusPublished:
		return 3
	default:
		return 0
	}
}

// advanceStatus moves the state machine forward, never backwards, so
// re-running an earlier grading step cannot regress a submission.
func advanceStatus(submission *models.Submission, next string) {
	if statusRank(next) > statusRank(submission.Status) {
		submission.Status = next
		return
	}
	// Within the review tier, an override surfaces the manual-review state.
	if statusRank(next) == statusRank(submission.Status) && next == models.SubmissionStatusNeedsManualReview {
		submission.Status = next
	}
}

// hasUngradedFreeText reports whether any free-text question still lacks a
// grade component, answered or not. Those submissions sit with a teacher.
func hasUngradedFreeText(assignment models.Assignment, submission models.Submission) bool {
	for _, question := range assignment.Questions {
		if question.IsFreeText() && submission.ComponentByQuestion(question.ID) == nil {
			return true
		}
	}
	return false
}

// fallbackApplied reports whether a fallback verdict survived the merge. A
// manual override that landed during the batch round trip replaces the
// fallback component, so only AI-sourced components count.
func fallbackApplied(submission models.Submission, results []ai.GradeResult) bool {
	for _, result := range results {
		if !result.Fallback {
			continue
		}
		component := submission.ComponentByQuestion(result.QuestionID)
		if component != nil && component.Source == models.GradeSourceAI {
			return true
		}
	}
	return false
}

func cloneComponents(components []models.GradeComponent) []models.GradeComponent {
	cloned := make([]models.GradeComponent, len(components))
	copy(cloned, components)
	return cloned
}
