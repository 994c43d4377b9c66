package dto

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/nilai-go-api/internal/models"
)

// QuestionCreateRequest describes one question inside an assignment payload.
type QuestionCreateRequest struct {
	Text          string   `json:"text" validate:"required,min=3"`
	Type          string   `json:"type" validate:"required,oneof=choice short_answer essay"`
	Points        float64  `json:"points" validate:"required,gt=0"`
	Options       []string `json:"options" validate:"omitempty,min=2,dive,required"`
	CorrectOption *int     `json:"correct_option" validate:"omitempty,gte=0"`
}

// AssignmentCreateRequest is the authoring payload for a new assignment.
type AssignmentCreateRequest struct {
	Title            string                  `json:"title" validate:"required,min=3"`
	ReferenceContent string                  `json:"reference_content"`
	AIGradingEnabled bool                    `json:"ai_grading_enabled"`
	Deadline         time.Time               `json:"deadline" validate:"required"`
	Questions        []QuestionCreateRequest `json:"questions" validate:"required,min=1,dive"`
}

// AssignmentUpdateRequest is the authoring payload for editing an assignment
// that has not been published to students yet. The questions replace the
// existing set wholesale.
type AssignmentUpdateRequest = AssignmentCreateRequest

// QuestionResponse serializes a question for API clients. The correct option
// is only included for teacher-facing views.
type QuestionResponse struct {
	ID            uint     `json:"id"`
	Position      int      `json:"position"`
	Text          string   `json:"text"`
	Type          string   `json:"type"`
	Points        float64  `json:"points"`
	Options       []string `json:"options,omitempty"`
	CorrectOption *int     `json:"correct_option,omitempty"`
}

// AssignmentResponse serializes an assignment with its questions.
type AssignmentResponse struct {
	ID                  uint               `json:"id"`
	Title               string             `json:"title"`
	ReferenceContent    string             `json:"reference_content"`
	AIGradingEnabled    bool               `json:"ai_grading_enabled"`
	Deadline            time.Time          `json:"deadline"`
	PublishedToStudents bool               `json:"published_to_students"`
	MaxTotalScore       float64            `json:"max_total_score"`
	Questions           []QuestionResponse `json:"questions"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// ToQuestionModel converts the request into a Question model.
func (r QuestionCreateRequest) ToQuestionModel(position int) (models.Question, error) {
	question := models.Question{
		Position:      position,
		Text:          r.Text,
		Type:          r.Type,
		Points:        r.Points,
		CorrectOption: r.CorrectOption,
	}

	if len(r.Options) > 0 {
		encoded, err := json.Marshal(r.Options)
		if err != nil {
			return models.Question{}, err
		}
		question.Options = datatypes.JSON(encoded)
	}

	return question, nil
}

// NewAssignmentResponse converts an assignment model into a DTO.
func NewAssignmentResponse(model models.Assignment, includeAnswerKey bool) AssignmentResponse {
	questions := make([]QuestionResponse, 0, len(model.Questions))
	for _, question := range model.Questions {
		item := QuestionResponse{
			ID:       question.ID,
			Position: question.Position,
			Text:     question.Text,
			Type:     question.Type,
			Points:   question.Points,
			Options:  question.OptionList(),
		}
		if includeAnswerKey {
			item.CorrectOption = question.CorrectOption
		}
		questions = append(questions, item)
	}

	return AssignmentResponse{
		ID:                  model.ID,
		Title:               model.Title,
		ReferenceContent:    model.ReferenceContent,
		AIGradingEnabled:    model.AIGradingEnabled,
		Deadline:            model.Deadline,
		PublishedToStudents: model.PublishedToStudents,
		MaxTotalScore:       model.MaxTotalScore(),
		Questions:           questions,
		CreatedAt:           model.CreatedAt,
		UpdatedAt:           model.UpdatedAt,
	}
}

// NewAssignmentResponseSlice converts assignment models into DTOs.
func NewAssignmentResponseSlice(items []models.Assignment, includeAnswerKey bool) []AssignmentResponse {
	responses := make([]AssignmentResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, NewAssignmentResponse(item, includeAnswerKey))
	}
	return responses
}
