package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/nilai-go-api/internal/dto"
	"github.com/noah-isme/nilai-go-api/internal/service"
	"github.com/noah-isme/nilai-go-api/internal/utils"
)

// AssignmentHandler manages assignment authoring endpoints.
type AssignmentHandler struct {
	service   service.AssignmentService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAssignmentHandler builds an assignment handler instance.
func NewAssignmentHandler(service service.AssignmentService, validator *validator.Validate, logger zerolog.Logger) *AssignmentHandler {
	return &AssignmentHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "assignment_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *AssignmentHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Get("/:id", h.get)
	router.Post("", h.create)
	router.Put("/:id", h.update)
	router.Post("/:id/publish", h.publish)
}

func (h *AssignmentHandler) list(c *fiber.Ctx) error {
	assignments, err := h.service.List(c.Context(), isTeacherRole(userRoleFromContext(c)))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "assignments retrieved", assignments)
}

func (h *AssignmentHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	assignment, err := h.service.Get(c.Context(), id, isTeacherRole(userRoleFromContext(c)))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "assignment retrieved", assignment)
}

func (h *AssignmentHandler) create(c *fiber.Ctx) error {
	var payload dto.AssignmentCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, "invalid request body")
	}

	assignment, err := h.service.Create(c.Context(), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendCreated(c, "assignment created", assignment)
}

func (h *AssignmentHandler) update(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	var payload dto.AssignmentUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, "invalid request body")
	}

	assignment, err := h.service.Update(c.Context(), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "assignment updated", assignment)
}

func (h *AssignmentHandler) publish(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	}

	assignment, err := h.service.PublishToStudents(c.Context(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "assignment published", assignment)
}

func (h *AssignmentHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrAssignmentNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, utils.CodeNotFound, "assignment not found")
	case errors.Is(err, service.ErrAssignmentLocked):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, utils.CodeValidation, err.Error())
	case isValidationError(err):
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, utils.CodeValidation, err.Error())
	default:
		h.logger.Error().Err(err).Msg("internal server error")
		return utils.SendErrorWithCode(c, fiber.StatusInternalServerError, utils.CodeInternal, "internal server error")
	}
}
