package service

import (
	"errors"
	"fmt"
)

// ErrAssignmentNotFound indicates the assignment was not located.
var ErrAssignmentNotFound = errors.New("assignment not found")

// ErrSubmissionNotFound indicates the submission was not located.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrAlreadyPublished indicates a mutating call on a published submission.
// Publish is terminal; this is a caller workflow error, never retried.
var ErrAlreadyPublished = errors.New("submission already published")

// ErrScoreOutOfRange indicates a manual score outside the question's point range.
var ErrScoreOutOfRange = errors.New("score out of range for question")

// ErrAssignmentLocked indicates an attempt to edit questions after the
// assignment was published to students.
var ErrAssignmentLocked = errors.New("assignment is published and can no longer be edited")

// ValidationError reports malformed input rejected before any state mutation.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func newValidationError(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// NotReadyError reports a publish attempt while questions remain ungraded.
type NotReadyError struct {
	MissingQuestionIDs []uint
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("submission not ready to publish: %d questions ungraded %v", len(e.MissingQuestionIDs), e.MissingQuestionIDs)
}
