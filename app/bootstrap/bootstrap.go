package bootstrap

import (
	"log"
	"time"

	"github.com/aihub/chat-go/app/controllers"
	"github.com/aihub/chat-go/internal/auth"
	"github.com/aihub/chat-go/internal/config"
	"github.com/aihub/chat-go/internal/database"
	"github.com/aihub/chat-go/internal/kafka"
	"github.com/aihub/chat-go/internal/llm"
	"github.com/aihub/chat-go/internal/logger"
	"github.com/aihub/chat-go/internal/repository"
	"github.com/aihub/chat-go/internal/services"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Chat   *services.ChatService

	cleanupTasks []func() error
}

// Init bootstraps configuration, logger, database connections and the service
// graph required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := logger.InitLogger(cfg.Server.Env); err != nil {
		return nil, err
	}

	app := &App{Config: cfg}

	db, err := database.NewDB(cfg)
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return database.CloseDB(db)
	})

	rdb, err := database.NewRedis(cfg)
	if err != nil {
		return nil, err
	}
	app.cleanupTasks = append(app.cleanupTasks, rdb.Close)

	// Kafka (optional). Failure shouldn't block the app.
	var producer services.UsageProducer
	if cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.GetLogger())
		if err != nil {
			logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		} else {
			producer = p
			app.cleanupTasks = append(app.cleanupTasks, p.Close)
		}
	}

	var metrics *services.MetricsService
	if cfg.Prometheus.Enabled {
		metrics = services.NewMetricsService(prometheus.DefaultRegisterer)
	}

	client := llm.NewClient(&cfg.AI, logger.GetLogger())
	repo := repository.NewGormRepository(db, rdb, logger.GetLogger())
	tokens := services.NewTokenService()
	catalog := services.NewCatalogService(db, client, logger.GetLogger())
	chat := services.NewChatService(repo, client, tokens, catalog, producer, metrics, &cfg.AI, logger.GetLogger())
	app.Chat = chat

	jwtService := auth.NewJWTService(cfg.JWT.Secret, "chat-go", 24*time.Hour)

	controllers.Init(&controllers.Deps{
		Chat:    chat,
		Catalog: catalog,
		JWT:     jwtService,
		DB:      db,
		Redis:   rdb,
		Env:     cfg.Server.Env,
	})

	logger.Info("application bootstrapped",
		zap.String("env", cfg.Server.Env),
		zap.Bool("kafka", producer != nil),
		zap.Bool("metrics", metrics != nil))

	return app, nil
}

// Shutdown flushes logs and closes resources gracefully.
func (a *App) Shutdown() {
	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	logger.Sync()
}
