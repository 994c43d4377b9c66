package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/nilai-go-api/internal/config"
	"github.com/noah-isme/nilai-go-api/internal/database"
	"github.com/noah-isme/nilai-go-api/internal/handler"
	"github.com/noah-isme/nilai-go-api/internal/middleware"
	"github.com/noah-isme/nilai-go-api/internal/models"
	"github.com/noah-isme/nilai-go-api/internal/repository"
	"github.com/noah-isme/nilai-go-api/internal/router"
	"github.com/noah-isme/nilai-go-api/internal/service"
	"github.com/noah-isme/nilai-go-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Assignment{},
		&models.Question{},
		&models.Submission{},
		&models.SubmittedAnswer{},
		&models.GradeComponent{},
		&models.GradeHistory{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis url not set, published grades will not be cached")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	} else {
		logger.Warn().Msg("nats url not set, grade publication events disabled")
	}

	var grader ai.BatchGrader
	if cfg.OpenAIAPIKey != "" {
		openaiGrader, err := ai.NewOpenAIGrader(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.AIModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create openai grader: %v", err)
		}
		grader = openaiGrader
	} else {
		logger.Warn().Msg("openai api key not set, free-text answers will queue for manual review")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)

	assignmentService := service.NewAssignmentService(assignmentRepo, validate, logger)
	gradingService := service.NewGradingService(submissionRepo, assignmentRepo, grader, validate, redisClient, natsConn, service.GradingConfig{
		AIBatchTimeout: cfg.AIBatchTimeout,
		GradeCacheTTL:  cfg.GradeCacheTTL,
		PublishSubject: cfg.PublishSubject,
	}, logger)

	assignmentHandler := handler.NewAssignmentHandler(assignmentService, validate, logger)
	gradingHandler := handler.NewGradingHandler(gradingService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		AssignmentHandler: assignmentHandler,
		GradingHandler:    gradingHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
