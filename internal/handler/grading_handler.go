package handler

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/nilai-go-api/internal/dto"
	"github.com/noah-isme/nilai-go-api/internal/middleware"
	"github.com/noah-isme/nilai-go-api/internal/repository"
	"github.com/noah-isme/nilai-go-api/internal/service"
	"github.com/noah-isme/nilai-go-api/internal/utils"
)

// GradingHandler exposes the submission and grading workflow endpoints.
type GradingHandler struct {
	service   service.GradingService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewGradingHandler builds a grading handler instance.
func NewGradingHandler(service service.GradingService, validator *validator.Validate, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group. Override and
// publish are expected to sit behind a teacher role gate.
func (h *GradingHandler) Register(router fiber.Router, teacherOnly fiber.Handler) {
	router.Post("", h.submit)
	router.Get("", teacherOnly, h.list)
	router.Post("/:id/grade", h.triggerGrading)
	router.Get("/:id/grade", h.getGrade)
	router.Post("/:id/override", teacherOnly, h.overrideGrade)
	router.Post("/:id/publish", teacherOnly, h.publish)
}

func (h *GradingHandler) submit(c *fiber.Ctx) error {
	var payload dto.SubmissionCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, "invalid request body")
	}

	submission, err := h.service.Submit(c.Context(), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendCreated(c, "submission received", submission)
}

func (h *GradingHandler) list(c *fiber.Ctx) error {
	var filter repository.SubmissionFilter

	if raw := c.Query("assignment_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, "invalid assignment_id")
		}
		id := uint(parsed)
		filter.AssignmentID = &id
	}
	if raw := c.Query("student_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, "invalid student_id")
		}
		id := uint(parsed)
		filter.StudentID = &id
	}
	if status := c.Query("status"); status != "" {
		filter.Status = &status
	}

	submissions, err := h.service.ListSubmissions(c.Context(), filter)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submissions retrieved", submissions)
}

func (h *GradingHandler) triggerGrading(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	grade, err := h.service.TriggerGrading(c.Context(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "grading completed", grade)
}

func (h *GradingHandler) getGrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	grade, err := h.service.GetGrade(c.Context(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "grade retrieved", grade)
}

func (h *GradingHandler) overrideGrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	var payload dto.OverrideGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, "invalid request body")
	}

	grade, err := h.service.OverrideGrade(c.Context(), id, payload, gradingActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "grade overridden", grade)
}

func (h *GradingHandler) publish(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	grade, err := h.service.Publish(c.Context(), id, gradingActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "grade published", grade)
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error) error {
	var notReady *service.NotReadyError
	switch {
	case errors.Is(err, service.ErrAssignmentNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, utils.CodeNotFound, "assignment not found")
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, utils.CodeNotFound, "submission not found")
	case errors.Is(err, service.ErrAlreadyPublished):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, utils.CodeAlreadyPublished, "submission already published")
	case errors.As(err, &notReady):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, utils.CodeNotReady, notReady.Error())
	case errors.Is(err, service.ErrScoreOutOfRange):
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	case isValidationError(err):
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	default:
		h.logger.Error().Err(err).Str("correlation_id", middleware.GetCorrelationID(c)).Msg("internal server error")
		return utils.SendErrorWithCode(c, fiber.StatusInternalServerError, utils.CodeInternal, "internal server error")
	}
}
