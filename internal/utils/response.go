package utils

import "github.com/gofiber/fiber/v2"

// Machine-readable error codes mirrored from the grading error taxonomy so
// API clients can branch without parsing messages.
const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "not_found"
	CodeNotReady         = "not_ready"
	CodeAlreadyPublished = "already_published"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal_error"
)

// APIResponse describes the common structure for API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}

	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendCreated sends a success payload with a 201 status.
func SendCreated(c *fiber.Ctx, message string, data interface{}) error {
	if message == "" {
		message = "created"
	}

	return c.Status(fiber.StatusCreated).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorWithCode(c, status, "", message)
}

// SendErrorWithCode sends an error response carrying a machine-readable code.
func SendErrorWithCode(c *fiber.Ctx, status int, code, message string) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Code:    code,
	})
}
