package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/reminder"
	"taskboard/storage"
)

func main() {
	logger := log.New()
	if config.Bool("DEBUG", false) {
		logger.SetLevel(log.DebugLevel)
	}
	logger.Info("reminder worker starting")

	connStr := config.String("STORAGE_CONNECTION_STRING", "")
	queueName := config.String("DUE_NOTIFICATIONS_QUEUE", "")
	if connStr == "" || queueName == "" {
		logger.Fatal("missing storage config")
	}

	queue, err := storage.NewDueQueue(connStr, queueName)
	if err != nil {
		logger.Fatalf("queue client: %v", err)
	}
	tables, err := storage.NewTables(connStr, config.String("TASKS_TABLE", "tasks"), "")
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	var rc *redis.Client
	var notifier reminder.Notifier = reminder.LogNotifier{Logger: logger}
	if redisConn := config.String("REDIS_CONNECTION_STRING", ""); redisConn != "" {
		rc = redis.NewClient(config.RedisOptions(redisConn))
		defer rc.Close()
		if channel := config.String("REMINDER_CHANNEL", ""); channel != "" {
			notifier = reminder.PublishNotifier{Redis: rc, Channel: channel}
		}
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, reminders are not deduplicated")
	}

	worker := reminder.NewWorker(queue, tables, rc, notifier, logger, reminder.Options{
		Batch:       int32(config.Int("REMINDER_BATCH", 16)),
		Visibility:  config.Duration("REMINDER_VISIBILITY", time.Minute),
		Poll:        config.Duration("REMINDER_POLL_INTERVAL", time.Second),
		MaxAttempts: int64(config.Int("REMINDER_MAX_ATTEMPTS", 5)),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := worker.Run(ctx); err != nil {
		logger.Errorf("worker stopped: %v", err)
	}
	logger.Info("reminder worker stopped")
}
