package main

import (
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/config"
	"taskboard/storage"
)

func main() {
	logger := log.New()
	if config.Bool("DEBUG", false) {
		logger.SetLevel(log.DebugLevel)
	}

	secret := config.String("JWT_SECRET", "")
	if secret == "" {
		logger.Fatal("missing JWT_SECRET")
	}

	users, err := storage.ParseUsers(config.List("AUTH_USERS"))
	if err != nil {
		logger.Fatalf("users: %v", err)
	}

	var store api.Storage
	if connStr := config.String("STORAGE_CONNECTION_STRING", ""); connStr != "" {
		tasksTableName := config.String("TASKS_TABLE", "tasks")
		dueQueueName := config.String("DUE_NOTIFICATIONS_QUEUE", "")
		tables, err := storage.NewTables(connStr, tasksTableName, dueQueueName)
		if err != nil {
			logger.Fatalf("storage: %v", err)
		}
		store = tables
	} else {
		logger.Warn("STORAGE_CONNECTION_STRING not set, tasks are kept in memory")
		store = storage.NewMemory()
	}

	opts := api.Options{SecureCookies: config.Bool("COOKIE_SECURE", false)}
	if redisConn := config.String("REDIS_CONNECTION_STRING", ""); redisConn != "" {
		rc := redis.NewClient(config.RedisOptions(redisConn))
		store = storage.NewCache(store, rc, config.Duration("TASKS_CACHE_TTL", time.Minute))
		opts.Deduper = api.NewRedisDeduper(rc, config.Duration("DEDUPER_TTL", 24*time.Hour))
	}

	var jwks *keyfunc.JWKS
	var audience, issuer string
	if domain := config.String("AUTH0_DOMAIN", ""); domain != "" {
		audience = config.String("AUTH0_AUDIENCE", "")
		if audience == "" {
			logger.Fatal("missing AUTH0_AUDIENCE")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		issuer = "https://" + domain + "/"
	}
	auth := api.NewAuth([]byte(secret), jwks, audience, issuer)
	auth.AccessTTL = config.Duration("ACCESS_TOKEN_TTL", api.DefaultAccessTTL)
	auth.RefreshTTL = config.Duration("REFRESH_TOKEN_TTL", api.DefaultRefreshTTL)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     config.List("CORS_ALLOWED_ORIGINS"),
		AllowCredentials: true,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			echo.HeaderContentEncoding, api.CSRFHeader, api.IdempotencyHeader,
		},
	}))

	opts.Reminders = api.NewReminderPool(store, logger)
	defer opts.Reminders.Close()
	api.Register(e, store, users, auth, logger, opts)

	listenAddr := config.String("LISTEN_ADDR", ":8080")
	if port := config.String("FUNCTIONS_CUSTOMHANDLER_PORT", ""); port != "" {
		listenAddr = ":" + port
	}
	if err := e.Start(listenAddr); err != nil {
		logger.Errorf("server stopped: %v", err)
	}
}
