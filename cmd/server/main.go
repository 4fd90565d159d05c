package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	gonanoid "github.com/matoous/go-nanoid/v2"
	config "github.com/marqly/publisher/configs"
	"github.com/marqly/publisher/internal/api/handlers"
	"github.com/marqly/publisher/internal/api/middleware"
	job "github.com/marqly/publisher/internal/jobs"
	"github.com/marqly/publisher/internal/lock"
	"github.com/marqly/publisher/internal/models"
	"github.com/marqly/publisher/internal/platform"
	"github.com/marqly/publisher/internal/publisher"
	"github.com/marqly/publisher/internal/queue"
	"github.com/marqly/publisher/internal/recovery"
	"github.com/marqly/publisher/internal/repository"
	"github.com/marqly/publisher/internal/scheduler"
	"github.com/marqly/publisher/internal/service"
	"github.com/marqly/publisher/internal/timeindex"
	"github.com/marqly/publisher/pkg/utils"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
)

const schedulerLeaseKey = "publisher:scheduler:lease"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
	defer rdb.Close()

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  1 * time.Minute,
		WriteTimeout: 1 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendURL,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	postRepo := repository.NewPostRepository(db)
	targetRepo := repository.NewTargetRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)

	cipher := utils.NewCipher(cfg.SecretKey)

	registry := platform.NewRegistry()
	registry.Register(models.PlatformTwitter, platform.NewTwitterConnector(*cfg))
	registry.Register(models.PlatformLinkedin, platform.NewLinkedinConnector(*cfg))
	registry.Register(models.PlatformFacebook, platform.NewFacebookConnector(*cfg))

	mediaService := service.NewMediaService(*cfg)
	index := timeindex.New(rdb)

	pub := publisher.New(postRepo, targetRepo, socialAccountRepo, registry, cipher, mediaService)
	postService := service.NewPostService(db, postRepo, targetRepo, pub, index)

	leaseOwner, err := gonanoid.New()
	if err != nil {
		log.Fatalf("Failed to generate scheduler lease id: %v", err)
	}
	lease := lock.NewLocker(rdb, schedulerLeaseKey, leaseOwner)

	sched := scheduler.New(postRepo, pub, index, lease, cfg.PollInterval, cfg.DueBatchSize, cfg.LeaseTTL)
	recoveryManager := recovery.NewManager(postRepo, targetRepo, index, cfg.ShutdownGrace)

	ctx := context.Background()
	if err := recoveryManager.RecoverOnStartup(ctx); err != nil {
		log.Fatalf("Startup recovery failed: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(postService, client)
	api.Get("/posts/:id", post.GetPost)
	api.Post("/posts/:id/schedule", post.SchedulePost)
	api.Post("/posts/:id/cancel", post.CancelPost)
	api.Post("/posts/:id/reschedule", post.ReschedulePost)
	api.Post("/posts/:id/publish", post.PublishNow)
	api.Post("/targets/:id/retry", post.RetryTarget)

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(socialAccountRepo, registry, cipher)

	c := cron.New()
	c.AddFunc("@every 00h10m00s", refreshTokenJob.RefreshTokens)
	c.Start()

	// asynq worker for publish-now dispatch
	queueW := queue.NewQueue(postService)

	go func() {
		server := asynq.NewServer(redisConn, asynq.Config{
			Concurrency: 10,
		})

		mux := asynq.NewServeMux()
		mux.HandleFunc(queue.TaskTypePublishNow, queueW.HandlePublishNowTask)

		log.Println("Starting the Asynq server...")
		if err := server.Run(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(":3000"); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Println("Server is running on http://localhost:3000")

	gracefulShutdown(app, db, sched, recoveryManager)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, db *sql.DB, sched *scheduler.Scheduler, recoveryManager *recovery.Manager) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down server: %v", err)
	}

	recoveryManager.ShutdownWithGrace(sched)

	closeDB(db)
	log.Println("Server shutdown complete.")
}
