package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/nilai-go-api/internal/dto"
	"github.com/noah-isme/nilai-go-api/internal/models"
	"github.com/noah-isme/nilai-go-api/internal/repository"
)

// AssignmentService owns assignment authoring. Questions become immutable
// once the assignment is published to students.
type AssignmentService interface {
	Create(ctx context.Context, payload dto.AssignmentCreateRequest) (dto.AssignmentResponse, error)
	Update(ctx context.Context, id uint, payload dto.AssignmentUpdateRequest) (dto.AssignmentResponse, error)
	Get(ctx context.Context, id uint, includeAnswerKey bool) (dto.AssignmentResponse, error)
	List(ctx context.Context, includeAnswerKey bool) ([]dto.AssignmentResponse, error)
	PublishToStudents(ctx context.Context, id uint) (dto.AssignmentResponse, error)
}

type assignmentService struct {
	assignments repository.AssignmentRepository
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewAssignmentService constructs an AssignmentService instance.
func NewAssignmentService(assignmentRepo repository.AssignmentRepository, validate *validator.Validate, logger zerolog.Logger) AssignmentService {
	return &assignmentService{
		assignments: assignmentRepo,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "assignment_service").Logger(),
		now:         time.Now,
	}
}

func (s *assignmentService) Create(ctx context.Context, payload dto.AssignmentCreateRequest) (dto.AssignmentResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignmentResponse{}, err
	}

	assignment := models.Assignment{
		Title:            strings.TrimSpace(s.sanitizer.Sanitize(payload.Title)),
		ReferenceContent: strings.TrimSpace(s.sanitizer.Sanitize(payload.ReferenceContent)),
		AIGradingEnabled: payload.AIGradingEnabled,
		Deadline:         payload.Deadline,
	}

	if assignment.Title == "" {
		return dto.AssignmentResponse{}, newValidationError("assignment title empty after sanitization")
	}

	questions, err := s.buildQuestions(payload.Questions)
	if err != nil {
		return dto.AssignmentResponse{}, err
	}
	assignment.Questions = questions

	if err := s.assignments.Create(ctx, &assignment); err != nil {
		return dto.AssignmentResponse{}, err
	}

	s.logger.Info().Uint("assignment_id", assignment.ID).Int("questions", len(assignment.Questions)).Msg("assignment created")

	return dto.NewAssignmentResponse(assignment, true), nil
}

// Update rewrites the assignment and its question set. Once the assignment is
// published to students the questions are frozen and the edit is rejected.
func (s *assignmentService) Update(ctx context.Context, id uint, payload dto.AssignmentUpdateRequest) (dto.AssignmentResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignmentResponse{}, err
	}

	assignment, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentResponse{}, ErrAssignmentNotFound
		}
		return dto.AssignmentResponse{}, err
	}

	if assignment.PublishedToStudents {
		return dto.AssignmentResponse{}, ErrAssignmentLocked
	}

	assignment.Title = strings.TrimSpace(s.sanitizer.Sanitize(payload.Title))
	assignment.ReferenceContent = strings.TrimSpace(s.sanitizer.Sanitize(payload.ReferenceContent))
	assignment.AIGradingEnabled = payload.AIGradingEnabled
	assignment.Deadline = payload.Deadline

	if assignment.Title == "" {
		return dto.AssignmentResponse{}, newValidationError("assignment title empty after sanitization")
	}

	questions, err := s.buildQuestions(payload.Questions)
	if err != nil {
		return dto.AssignmentResponse{}, err
	}
	assignment.Questions = questions

	if err := s.assignments.Replace(ctx, &assignment); err != nil {
		return dto.AssignmentResponse{}, err
	}

	s.logger.Info().Uint("assignment_id", assignment.ID).Int("questions", len(assignment.Questions)).Msg("assignment updated")

	return dto.NewAssignmentResponse(assignment, true), nil
}

// buildQuestions sanitizes and validates an authoring payload's questions.
func (s *assignmentService) buildQuestions(payloads []dto.QuestionCreateRequest) ([]models.Question, error) {
	questions := make([]models.Question, 0, len(payloads))
	for i, item := range payloads {
		question, err := item.ToQuestionModel(i)
		if err != nil {
			return nil, newValidationError("question %d: %v", i+1, err)
		}
		question.Text = strings.TrimSpace(s.sanitizer.Sanitize(question.Text))
		if err := question.Validate(); err != nil {
			return nil, newValidationError("question %d: %v", i+1, err)
		}
		questions = append(questions, question)
	}
	return questions, nil
}

func (s *assignmentService) Get(ctx context.Context, id uint, includeAnswerKey bool) (dto.AssignmentResponse, error) {
	assignment, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentResponse{}, ErrAssignmentNotFound
		}
		return dto.AssignmentResponse{}, err
	}

	return dto.NewAssignmentResponse(assignment, includeAnswerKey), nil
}

func (s *assignmentService) List(ctx context.Context, includeAnswerKey bool) ([]dto.AssignmentResponse, error) {
	assignments, err := s.assignments.List(ctx)
	if err != nil {
		return nil, err
	}

	return dto.NewAssignmentResponseSlice(assignments, includeAnswerKey), nil
}

func (s *assignmentService) PublishToStudents(ctx context.Context, id uint) (dto.AssignmentResponse, error) {
	assignment, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentResponse{}, ErrAssignmentNotFound
		}
		return dto.AssignmentResponse{}, err
	}

	if assignment.PublishedToStudents {
		return dto.NewAssignmentResponse(assignment, true), nil
	}

	assignment.PublishedToStudents = true
	if err := s.assignments.Update(ctx, &assignment); err != nil {
		return dto.AssignmentResponse{}, err
	}

	s.logger.Info().Uint("assignment_id", assignment.ID).Msg("assignment published to students")

	return dto.NewAssignmentResponse(assignment, true), nil
}
