package queue

import (
	"context"
	"time"

	"cyberherd/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Connect creates a Redis client and verifies the connection with a ping.
func Connect(cfg Config) (*redis.Client, error) {
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password, // no password set
		DB:       cfg.DB,       // use default DB
	}

	rdb := redis.NewClient(&opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return nil, err
	}

	logger.Info("Connected to Redis successfully", zap.String("host", cfg.Host))
	return rdb, nil
}
