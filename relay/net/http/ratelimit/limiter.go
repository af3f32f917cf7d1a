package ratelimit

import (
	"time"

	libHTTP "github.com/LerianStudio/workflow-relay/relay/net/http"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// Config bounds requests per client IP.
type Config struct {
	Max        int
	Expiration time.Duration
	// Storage defaults to fiber's in-process memory store.
	Storage fiber.Storage
	// SkipPaths are never limited, for example health probes.
	SkipPaths []string
}

// DefaultConfig allows 120 requests per minute.
func DefaultConfig() Config {
	return Config{Max: 120, Expiration: time.Minute}
}

// New returns a sliding-window limiter. Rejected requests get a 429 in the
// admin API error format.
func New(cfg Config) fiber.Handler {
	defaults := DefaultConfig()

	if cfg.Max <= 0 {
		cfg.Max = defaults.Max
	}

	if cfg.Expiration <= 0 {
		cfg.Expiration = defaults.Expiration
	}

	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = struct{}{}
	}

	limiterCfg := limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Next: func(c *fiber.Ctx) bool {
			_, ok := skip[c.Path()]

			return ok
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return libHTTP.RespondError(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests, retry later")
		},
		LimiterMiddleware: limiter.SlidingWindow{},
	}

	if cfg.Storage != nil {
		limiterCfg.Storage = cfg.Storage
	}

	return limiter.New(limiterCfg)
}
