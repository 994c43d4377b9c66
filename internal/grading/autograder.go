// Package grading holds the pure scoring core: the deterministic choice
// grader and the component reconciler. Nothing in here touches the network
// or the database, which keeps every grading invariant unit-testable.
package grading

import (
	"time"

	"github.com/noah-isme/nilai-go-api/internal/models"
)

// ScoreChoice scores a choice question by option index equality. It is total:
// a nil or out-of-range selection earns zero rather than an error, so a
// grading run can never fail on malformed choice answers.
func ScoreChoice(question models.Question, answer *models.SubmittedAnswer, now time.Time) models.GradeComponent {
	component := models.GradeComponent{
		QuestionID: question.ID,
		Source:     models.GradeSourceAuto,
		Score:      0,
		GradedAt:   now,
	}

	if answer == nil || answer.SelectedOption == nil || question.CorrectOption == nil {
		return component
	}

	selected := *answer.SelectedOption
	if selected < 0 || selected >= len(question.OptionList()) {
		return component
	}

	if selected == *question.CorrectOption {
		component.Score = question.Points
	}

	return component
}
