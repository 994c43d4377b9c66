package contract_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nilai-go-api/internal/dto"
	"github.com/noah-isme/nilai-go-api/internal/handler"
	"github.com/noah-isme/nilai-go-api/internal/models"
	"github.com/noah-isme/nilai-go-api/internal/repository"
	"github.com/noah-isme/nilai-go-api/internal/service"
)

type stubGradingService struct {
	grade dto.GradeResponse
}

func (s stubGradingService) Submit(context.Context, dto.SubmissionCreateRequest) (dto.SubmissionResponse, error) {
	return dto.SubmissionResponse{}, nil
}

func (s stubGradingService) ListSubmissions(context.Context, repository.SubmissionFilter) ([]dto.SubmissionResponse, error) {
	return nil, nil
}

func (s stubGradingService) TriggerGrading(context.Context, uint) (dto.GradeResponse, error) {
	return s.grade, nil
}

func (s stubGradingService) OverrideGrade(context.Context, uint, dto.OverrideGradeRequest, service.GradingActor) (dto.GradeResponse, error) {
	return s.grade, nil
}

func (s stubGradingService) Publish(context.Context, uint, service.GradingActor) (dto.GradeResponse, error) {
	return s.grade, nil
}

func (s stubGradingService) GetGrade(context.Context, uint) (dto.GradeResponse, error) {
	return s.grade, nil
}

func TestGradeResponseContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("..", "contracts", "grade.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)

	now := time.Now().UTC()
	total := 26.0
	choiceScore := 10.0
	essayScore := 16.0

	grade := dto.GradeResponse{
		SubmissionID:  55,
		AssignmentID:  10,
		StudentID:     42,
		Status:        models.SubmissionStatusPublished,
		TotalScore:    &total,
		MaxTotalScore: 30,
		PerQuestion: []dto.QuestionGradeResponse{
			{QuestionID: 1, MaxPoints: 10, Score: &choiceScore, Source: models.GradeSourceAuto, GradedAt: &now},
			{QuestionID: 2, MaxPoints: 20, Score: &essayScore, Source: models.GradeSourceManual, Feedback: "clear mechanism", GradedAt: &now},
		},
		SubmittedAt: now.Add(-2 * time.Hour),
		PublishedAt: &now,
	}

	gradingHandler := handler.NewGradingHandler(stubGradingService{grade: grade}, validator.New(), zerolog.Nop())

	app := fiber.New()
	group := app.Group("/api/v1/submissions", func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(7))
		c.Locals("user_role", "teacher")
		return c.Next()
	})
	gradingHandler.Register(group, func(c *fiber.Ctx) error { return c.Next() })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/55/grade", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NoError(t, schema.Validate(payload))
}

func TestPendingGradeContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("..", "contracts", "grade.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)

	now := time.Now().UTC()
	subtotal := 10.0
	choiceScore := 10.0

	grade := dto.GradeResponse{
		SubmissionID:  56,
		AssignmentID:  10,
		StudentID:     43,
		Status:        models.SubmissionStatusNeedsManualReview,
		TotalScore:    &subtotal,
		MaxTotalScore: 30,
		PerQuestion: []dto.QuestionGradeResponse{
			{QuestionID: 1, MaxPoints: 10, Score: &choiceScore, Source: models.GradeSourceAuto, GradedAt: &now},
			{QuestionID: 2, MaxPoints: 20, Score: nil},
		},
		SubmittedAt: now,
	}

	gradingHandler := handler.NewGradingHandler(stubGradingService{grade: grade}, validator.New(), zerolog.Nop())

	app := fiber.New()
	group := app.Group("/api/v1/submissions")
	gradingHandler.Register(group, func(c *fiber.Ctx) error { return c.Next() })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/56/grade", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NoError(t, schema.Validate(payload))
}
