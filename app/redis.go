package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweater-ventures/relay/config"
)

func connectToRedis(config *config.AppConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort),
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// Redis being down is survivable: caching and rate limiting
		// degrade, queueing retries on the next operation.
		slog.Warn("Redis not reachable at startup",
			"host", config.RedisHost, "port", config.RedisPort, "error", err)
	} else {
		slog.Info("Redis connection established",
			slog.String("host", config.RedisHost),
			slog.Int("port", config.RedisPort),
			slog.Int("db", config.RedisDB),
		)
	}
	return client
}
