package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
)

// NewRedisStorage builds limiter storage on the same Redis server as the job
// queues, in a separate database. A nil client yields nil, which makes the
// limiter fall back to process memory.
func NewRedisStorage(client *redis.Client, database int) fiber.Storage {
	if client == nil || database < 0 {
		return nil
	}

	host := "localhost"
	port := 6379
	addr := client.Options().Addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	log.Infof("[RateLimit] Using Redis database %d at %s for limiter counters", database, addr)
	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: client.Options().Password,
		Database: database,
		Reset:    false,
	})
}

// New returns a per-IP limiter allowing max requests per minute.
func New(max int, storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	})
}
