package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const (
	// KeyActor holds the authenticated operator name in c.Locals.
	KeyActor = "ADMIN_ACTOR"
	// KeyRequestID is the c.Locals key fiber's requestid middleware writes.
	KeyRequestID = "requestid"
)

// AdminTokenMiddleware authenticates operator requests carrying a bearer
// token from ADMIN_TOKENS and stores the actor name in c.Locals.
func AdminTokenMiddleware(tokens map[string]string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(tokens) == 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "admin_disabled", "message": "No admin tokens configured"})
		}

		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		actor, ok := lookupActor(tokens, token)
		if !ok {
			log.Warnf("[Admin] Rejected token from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}

		c.Locals(KeyActor, actor)
		return c.Next()
	}
}

// Actor returns the operator set by AdminTokenMiddleware.
func Actor(c *fiber.Ctx) string {
	if actor, ok := c.Locals(KeyActor).(string); ok {
		return actor
	}
	return ""
}

// RequestID returns the correlation id of the request.
func RequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(KeyRequestID).(string); ok && id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

// lookupActor compares against every configured token in constant time.
func lookupActor(tokens map[string]string, token string) (string, bool) {
	var found string
	for candidate, actor := range tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found = actor
		}
	}
	return found, found != ""
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
