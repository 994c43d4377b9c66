package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Assignment groups the questions a student answers in one sitting.
type Assignment struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Title               string     `gorm:"size:255;not null" json:"title"`
	ReferenceContent    string     `gorm:"type:text" json:"reference_content"`
	AIGradingEnabled    bool       `gorm:"not null;default:false" json:"ai_grading_enabled"`
	Deadline            time.Time  `gorm:"not null" json:"deadline"`
	PublishedToStudents bool       `gorm:"not null;default:false" json:"published_to_students"`
	Questions           []Question `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsPastDeadline returns true when the assignment deadline has already passed.
func (a Assignment) IsPastDeadline(reference time.Time) bool {
	return reference.After(a.Deadline)
}

// QuestionByID looks up a question on the assignment.
func (a Assignment) QuestionByID(questionID uint) (Question, bool) {
	for _, question := range a.Questions {
		if question.ID == questionID {
			return question, true
		}
	}
	return Question{}, false
}

// MaxTotalScore is the sum of all question point values.
func (a Assignment) MaxTotalScore() float64 {
	var total float64
	for _, question := range a.Questions {
		total += question.Points
	}
	return total
}

const (
	// QuestionTypeChoice is scored deterministically against a correct option index.
	QuestionTypeChoice = "choice"
	// QuestionTypeShortAnswer is a free-text question graded by AI or a teacher.
	QuestionTypeShortAnswer = "short_answer"
	// QuestionTypeEssay is a long-form free-text question graded by AI or a teacher.
	QuestionTypeEssay = "essay"
)

// Question is one gradeable item on an assignment. Options and CorrectOption
// are populated only for choice questions.
type Question struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AssignmentID  uint           `gorm:"not null;index" json:"assignment_id"`
	Position      int            `gorm:"not null" json:"position"`
	Text          string         `gorm:"type:text;not null" json:"text"`
	Type          string         `gorm:"size:32;not null" json:"type"`
	Points        float64        `gorm:"not null" json:"points"`
	Options       datatypes.JSON `json:"options,omitempty"`
	CorrectOption *int           `json:"correct_option,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsChoice reports whether the question is auto-gradeable.
func (q Question) IsChoice() bool {
	return q.Type == QuestionTypeChoice
}

// IsFreeText reports whether the question carries a written answer.
func (q Question) IsFreeText() bool {
	return q.Type == QuestionTypeShortAnswer || q.Type == QuestionTypeEssay
}

// OptionList decodes the stored options payload.
func (q Question) OptionList() []string {
	if len(q.Options) == 0 {
		return nil
	}
	var options []string
	if err := json.Unmarshal(q.Options, &options); err != nil {
		return nil
	}
	return options
}

// Validate enforces the per-type field rules before a question is persisted.
func (q Question) Validate() error {
	if q.Points <= 0 {
		return fmt.Errorf("question points must be positive, got %v", q.Points)
	}

	switch q.Type {
	case QuestionTypeChoice:
		options := q.OptionList()
		if len(options) < 2 {
			return fmt.Errorf("choice question requires at least two options")
		}
		if q.CorrectOption == nil {
			return fmt.Errorf("choice question requires a correct option index")
		}
		if *q.CorrectOption < 0 || *q.CorrectOption >= len(options) {
			return fmt.Errorf("correct option index %d out of range for %d options", *q.CorrectOption, len(options))
		}
	case QuestionTypeShortAnswer, QuestionTypeEssay:
		if len(q.Options) != 0 || q.CorrectOption != nil {
			return fmt.Errorf("%s question must not carry options or a correct index", q.Type)
		}
	default:
		return fmt.Errorf("unknown question type %q", q.Type)
	}

	return nil
}
