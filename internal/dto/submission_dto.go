package dto

import (
	"time"

	"github.com/noah-isme/nilai-go-api/internal/models"
)

// AnswerPayload is one submitted answer. Exactly one of SelectedOption or
// Text must be set, matching the question type; the service enforces this.
type AnswerPayload struct {
	QuestionID     uint   `json:"question_id" validate:"required,gt=0"`
	SelectedOption *int   `json:"selected_option" validate:"omitempty,gte=0"`
	Text           string `json:"text"`
}

// SubmissionCreateRequest is the intake payload for a student submission.
type SubmissionCreateRequest struct {
	AssignmentID uint            `json:"assignment_id" validate:"required,gt=0"`
	StudentID    uint            `json:"student_id" validate:"required,gt=0"`
	Answers      []AnswerPayload `json:"answers" validate:"dive"`
}

// OverrideGradeRequest is a teacher's manual grade for one question.
type OverrideGradeRequest struct {
	QuestionID uint    `json:"question_id" validate:"required,gt=0"`
	Score      float64 `json:"score" validate:"gte=0"`
	Feedback   string  `json:"feedback"`
}

// QuestionGradeResponse shows the authoritative grade for one question.
type QuestionGradeResponse struct {
	QuestionID uint       `json:"question_id"`
	MaxPoints  float64    `json:"max_points"`
	Score      *float64   `json:"score"`
	Source     string     `json:"source,omitempty"`
	Feedback   string     `json:"feedback,omitempty"`
	GradedAt   *time.Time `json:"graded_at,omitempty"`
}

// GradeResponse is the caller-facing grade view for one submission.
type GradeResponse struct {
	SubmissionID  uint                    `json:"submission_id"`
	AssignmentID  uint                    `json:"assignment_id"`
	StudentID     uint                    `json:"student_id"`
	Status        string                  `json:"status"`
	TotalScore    *float64                `json:"total_score"`
	MaxTotalScore float64                 `json:"max_total_score"`
	PerQuestion   []QuestionGradeResponse `json:"per_question"`
	SubmittedAt   time.Time               `json:"submitted_at"`
	PublishedAt   *time.Time              `json:"published_at"`
}

// SubmissionResponse is returned after intake and mutation operations.
type SubmissionResponse struct {
	ID           uint       `json:"id"`
	AssignmentID uint       `json:"assignment_id"`
	StudentID    uint       `json:"student_id"`
	Status       string     `json:"status"`
	TotalScore   *float64   `json:"total_score"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	PublishedAt  *time.Time `json:"published_at"`
	AnswerCount  int        `json:"answer_count"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:           model.ID,
		AssignmentID: model.AssignmentID,
		StudentID:    model.StudentID,
		Status:       model.Status,
		TotalScore:   model.TotalScore,
		SubmittedAt:  model.SubmittedAt,
		PublishedAt:  model.PublishedAt,
		AnswerCount:  len(model.Answers),
	}
}

// NewGradeResponse projects the per-question grade view from a submission and
// its assignment. Ungraded questions appear with a nil score so clients can
// render "pending review" rather than a zero.
func NewGradeResponse(assignment models.Assignment, submission models.Submission) GradeResponse {
	perQuestion := make([]QuestionGradeResponse, 0, len(assignment.Questions))
	for _, question := range assignment.Questions {
		entry := QuestionGradeResponse{
			QuestionID: question.ID,
			MaxPoints:  question.Points,
		}
		if component := submission.ComponentByQuestion(question.ID); component != nil {
			score := component.Score
			gradedAt := component.GradedAt
			entry.Score = &score
			entry.Source = component.Source
			entry.Feedback = component.Feedback
			entry.GradedAt = &gradedAt
		}
		perQuestion = append(perQuestion, entry)
	}

	return GradeResponse{
		SubmissionID:  submission.ID,
		AssignmentID:  submission.AssignmentID,
		StudentID:     submission.StudentID,
		Status:        submission.Status,
		TotalScore:    submission.TotalScore,
		MaxTotalScore: assignment.MaxTotalScore(),
		PerQuestion:   perQuestion,
		SubmittedAt:   submission.SubmittedAt,
		PublishedAt:   submission.PublishedAt,
	}
}
