package grading

import "github.com/noah-isme/nilai-go-api/internal/models"

// Apply merges incoming grade components into the existing set, one
// authoritative component per question. The merge is idempotent and, per
// question, commutative with respect to the precedence rule:
//
//   - a manual component is never replaced by an auto or AI component;
//   - otherwise the incoming component replaces the existing one
//     (re-grading overwrites, it does not accumulate);
//   - a question without an existing component simply gains the incoming one.
//
// The returned slice preserves the existing components' database identity;
// replaced entries keep their ID so the store updates rows in place.
func Apply(existing []models.GradeComponent, incoming []models.GradeComponent) []models.GradeComponent {
	merged := make([]models.GradeComponent, len(existing))
	copy(merged, existing)

	for _, candidate := range incoming {
		index := -1
		for i := range merged {
			if merged[i].QuestionID == candidate.QuestionID {
				index = i
				break
			}
		}

		if index == -1 {
			merged = append(merged, candidate)
			continue
		}

		current := merged[index]
		if current.Source == models.GradeSourceManual && candidate.Source != models.GradeSourceManual {
			continue
		}

		// Re-running a grader that reaches the same verdict is a no-op; the
		// original GradedAt stamp survives, which is what makes repeated
		// grading runs converge to identical state.
		if current.Source == candidate.Source && current.Score == candidate.Score && current.Feedback == candidate.Feedback {
			continue
		}

		candidate.ID = current.ID
		candidate.SubmissionID = current.SubmissionID
		merged[index] = candidate
	}

	return merged
}

// Total recomputes the submission total as the sum of component scores over
// the assignment's questions. Questions without a component count as zero,
// meaning "not yet graded". Component scores for questions no longer on the
// assignment are ignored, so the result always satisfies
// 0 <= total <= sum of question points as long as each component score is
// within its question's bounds.
func Total(questions []models.Question, components []models.GradeComponent) float64 {
	byQuestion := make(map[uint]models.GradeComponent, len(components))
	for _, component := range components {
		byQuestion[component.QuestionID] = component
	}

	var total float64
	for _, question := range questions {
		component, ok := byQuestion[question.ID]
		if !ok {
			continue
		}
		score := component.Score
		if score < 0 {
			score = 0
		}
		if score > question.Points {
			score = question.Points
		}
		total += score
	}

	return total
}

// UngradedQuestionIDs lists the assignment questions that still have no grade
// component, in assignment order. Publish requires this list to be empty.
func UngradedQuestionIDs(questions []models.Question, components []models.GradeComponent) []uint {
	graded := make(map[uint]struct{}, len(components))
	for _, component := range components {
		graded[component.QuestionID] = struct{}{}
	}

	var missing []uint
	for _, question := range questions {
		if _, ok := graded[question.ID]; !ok {
			missing = append(missing, question.ID)
		}
	}

	return missing
}
