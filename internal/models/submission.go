package models

import "time"

const (
	// SubmissionStatusSubmitted indicates answers are stored but nothing is graded.
	SubmissionStatusSubmitted = "submitted"
	// SubmissionStatusAutoGraded indicates choice questions have been scored.
	SubmissionStatusAutoGraded = "auto_graded"
	// SubmissionStatusAIGraded indicates the AI batch has scored the free-text answers.
	SubmissionStatusAIGraded = "ai_graded"
	// SubmissionStatusNeedsManualReview indicates a teacher must grade or confirm remaining answers.
	SubmissionStatusNeedsManualReview = "needs_manual_review"
	// SubmissionStatusPublished is terminal: the total is frozen and student-visible.
	SubmissionStatusPublished = "published"
)

const (
	// GradeSourceAuto marks a score produced by the deterministic choice grader.
	GradeSourceAuto = "auto"
	// GradeSourceAI marks a score produced by the batch AI grader.
	GradeSourceAI = "ai"
	// GradeSourceManual marks a teacher-entered score. Manual always wins.
	GradeSourceManual = "manual"
)

// Submission is one student's answer set for an assignment, together with the
// grade components accumulated so far.
type Submission struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	AssignmentID uint              `gorm:"not null;index" json:"assignment_id"`
	StudentID    uint              `gorm:"not null;index" json:"student_id"`
	Status       string            `gorm:"size:32;not null" json:"status"`
	TotalScore   *float64          `json:"total_score"`
	SubmittedAt  time.Time         `gorm:"not null" json:"submitted_at"`
	PublishedAt  *time.Time        `json:"published_at"`
	Answers      []SubmittedAnswer `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answers"`
	Components   []GradeComponent  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"components"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Assignment   Assignment        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsPublished reports whether the submission grade is terminal.
func (s Submission) IsPublished() bool {
	return s.Status == SubmissionStatusPublished
}

// AnswerByQuestion returns the stored answer for a question, if any.
func (s Submission) AnswerByQuestion(questionID uint) *SubmittedAnswer {
	for i := range s.Answers {
		if s.Answers[i].QuestionID == questionID {
			return &s.Answers[i]
		}
	}
	return nil
}

// ComponentByQuestion returns the authoritative grade component for a question, if any.
func (s Submission) ComponentByQuestion(questionID uint) *GradeComponent {
	for i := range s.Components {
		if s.Components[i].QuestionID == questionID {
			return &s.Components[i]
		}
	}
	return nil
}

// SubmittedAnswer holds exactly one of SelectedOption (choice questions) or
// Text (free-text questions), matching the question's type.
type SubmittedAnswer struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubmissionID   uint      `gorm:"not null;index" json:"submission_id"`
	QuestionID     uint      `gorm:"not null" json:"question_id"`
	SelectedOption *int      `json:"selected_option,omitempty"`
	Text           string    `gorm:"type:text" json:"text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// GradeComponent is the authoritative score for one question within one
// submission. At most one exists per (submission, question) pair.
type GradeComponent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubmissionID uint      `gorm:"not null;uniqueIndex:idx_component_submission_question" json:"submission_id"`
	QuestionID   uint      `gorm:"not null;uniqueIndex:idx_component_submission_question" json:"question_id"`
	Source       string    `gorm:"size:16;not null" json:"source"`
	Score        float64   `gorm:"not null" json:"score"`
	Feedback     string    `gorm:"type:text" json:"feedback"`
	GradedAt     time.Time `gorm:"not null" json:"graded_at"`
	GradedBy     *uint     `json:"graded_by,omitempty"`
}

// GradeHistory records every score ever applied to a question so teachers can
// audit how the current grade came to be.
type GradeHistory struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubmissionID uint      `gorm:"not null;index" json:"submission_id"`
	QuestionID   uint      `gorm:"not null" json:"question_id"`
	Source       string    `gorm:"size:16;not null" json:"source"`
	Score        float64   `gorm:"not null" json:"score"`
	Feedback     string    `gorm:"type:text" json:"feedback"`
	GradedBy     *uint     `json:"graded_by,omitempty"`
	GradedAt     time.Time `gorm:"not null" json:"graded_at"`
}
