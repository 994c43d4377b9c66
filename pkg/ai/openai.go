package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FallbackScoreRatio is the share of the maximum points awarded when the
// grading service is unreachable or returns garbage. The fallback keeps the
// workflow moving; the accompanying feedback flags the answer for a teacher.
const FallbackScoreRatio = 0.7

// FallbackFeedback is attached to every fallback-scored item.
const FallbackFeedback = "auto-grading unavailable, manual review required"

var (
	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nilai",
		Subsystem: "ai",
		Name:      "grade_batch_duration_seconds",
		Help:      "Duration of AI batch grading requests",
	}, []string{"model"})

	batchFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nilai",
		Subsystem: "ai",
		Name:      "grade_batch_fallbacks_total",
		Help:      "Number of batches scored by the deterministic fallback",
	}, []string{"model", "reason"})

	scoreClamps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nilai",
		Subsystem: "ai",
		Name:      "grade_score_clamps_total",
		Help:      "Number of AI scores clamped into the question's point range",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI batch grader.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIGrader implements BatchGrader against the OpenAI chat completion API.
type OpenAIGrader struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGrader builds a grader using the provided configuration.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	client := openai.NewClientWithConfig(config)

	return &OpenAIGrader{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/nilai-go-api/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_grader").Logger(),
	}, nil
}

// GradeBatch sends every item in one chat completion call and maps the
// response back onto the items by position. Scores outside [0, MaxPoints]
// are clamped. Any transport, timeout, or parse failure yields the
// deterministic fallback: callers always receive one result per item.
// Only caller cancellation is returned as an error, so an aborted request
// never writes fallback grades.
func (g *OpenAIGrader) GradeBatch(parent context.Context, batch BatchContext, items []GradeItem) ([]GradeResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("grade batch requires at least one item")
	}

	ctx, span := g.tracer.Start(parent, "openai.grade_batch", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.Int("batch.size", len(items)),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: graderSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildBatchPrompt(batch, items),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := g.client.CreateChatCompletion(ctx, request)
	batchDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) && parent.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "canceled")
			return nil, err
		}
		return g.fallback(span, items, "transport", err), nil
	}

	if len(resp.Choices) == 0 {
		return g.fallback(span, items, "empty_response", fmt.Errorf("no choices returned from openai")), nil
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	results, err := g.parseBatchResponse(content, items)
	if err != nil {
		return g.fallback(span, items, "malformed_response", err), nil
	}

	return results, nil
}

func (g *OpenAIGrader) fallback(span trace.Span, items []GradeItem, reason string, cause error) []GradeResult {
	batchFallbacks.WithLabelValues(g.cfg.Model, reason).Inc()
	span.RecordError(cause)
	span.SetStatus(codes.Error, reason)
	span.SetAttributes(attribute.Bool("batch.fallback", true))
	g.logger.Warn().Err(cause).Str("reason", reason).Int("items", len(items)).Msg("grade batch failed, applying fallback scores")

	return FallbackResults(items)
}

// FallbackResults produces the deterministic partial-credit grades applied
// when the AI service cannot be used.
func FallbackResults(items []GradeItem) []GradeResult {
	results := make([]GradeResult, 0, len(items))
	for _, item := range items {
		results = append(results, GradeResult{
			QuestionID: item.QuestionID,
			Score:      item.MaxPoints * FallbackScoreRatio,
			Feedback:   FallbackFeedback,
			Fallback:   true,
		})
	}
	return results
}

func (g *OpenAIGrader) parseBatchResponse(content string, items []GradeItem) ([]GradeResult, error) {
	type resultPayload struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	type payload struct {
		Results []resultPayload `json:"results"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil, fmt.Errorf("parse batch json: %w", err)
	}

	if len(data.Results) != len(items) {
		return nil, fmt.Errorf("expected %d results, got %d", len(items), len(data.Results))
	}

	results := make([]GradeResult, 0, len(items))
	for i, item := range items {
		score, clamped := ClampScore(data.Results[i].Score, item.MaxPoints)
		if clamped {
			scoreClamps.WithLabelValues(g.cfg.Model).Inc()
			g.logger.Warn().
				Uint("question_id", item.QuestionID).
				Float64("raw_score", data.Results[i].Score).
				Float64("max_points", item.MaxPoints).
				Msg("clamped out-of-range ai score")
		}
		results = append(results, GradeResult{
			QuestionID: item.QuestionID,
			Score:      score,
			Feedback:   strings.TrimSpace(data.Results[i].Feedback),
		})
	}

	return results, nil
}

// ClampScore bounds a raw score into [0, maxPoints] and reports whether
// clamping was necessary.
func ClampScore(raw, maxPoints float64) (float64, bool) {
	if raw < 0 {
		return 0, true
	}
	if raw > maxPoints {
		return maxPoints, true
	}
	return raw, false
}

func graderSystemPrompt() string {
	return "You are a teacher grading written answers. Respond with a JSON object of the form " +
		`{"results":[{"score":<number>,"feedback":"<string>"}]}` +
		" containing exactly one result per answer, in the same order the answers were given. " +
		"Each score must lie between 0 and that answer's maximum points. Keep feedback to two or three sentences."
}

func buildBatchPrompt(batch BatchContext, items []GradeItem) string {
	builder := strings.Builder{}
	builder.WriteString("# Assignment\n")
	builder.WriteString(batch.AssignmentTitle)
	if batch.ReferenceContent != "" {
		builder.WriteString("\n\n## Reference Material\n")
		builder.WriteString(batch.ReferenceContent)
	}
	builder.WriteString("\n\n## Answers To Grade\n")
	for i, item := range items {
		fmt.Fprintf(&builder, "\n### Answer %d (%s, max %.2f points)\n", i+1, item.QuestionType, item.MaxPoints)
		builder.WriteString("Question: ")
		builder.WriteString(item.QuestionText)
		builder.WriteString("\nStudent answer: ")
		builder.WriteString(item.StudentAnswer)
		builder.WriteString("\n")
	}
	builder.WriteString("\nReturn JSON with one result per answer, in order.")
	return builder.String()
}
