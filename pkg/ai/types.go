package ai

import "context"

// BatchContext carries the assignment-level context shared by every item in
// one grading batch.
type BatchContext struct {
	AssignmentTitle  string
	ReferenceContent string
}

// GradeItem is one free-text answer to grade.
type GradeItem struct {
	QuestionID    uint
	QuestionText  string
	QuestionType  string
	StudentAnswer string
	MaxPoints     float64
}

// GradeResult is the grader's verdict for one item. Results are returned in
// the same order as the submitted items, re-associated by QuestionID.
type GradeResult struct {
	QuestionID uint
	Score      float64
	Feedback   string
	Fallback   bool
}

// BatchGrader grades all free-text answers of one submission in a single
// call. Implementations must clamp every score into [0, MaxPoints] and must
// convert transport failures into deterministic fallback results rather than
// returning an error; only caller cancellation surfaces as an error.
type BatchGrader interface {
	GradeBatch(ctx context.Context, batch BatchContext, items []GradeItem) ([]GradeResult, error)
}
