package middleware

import (
	"crypto/subtle"
	"errors"

	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	RoleAdmin = "admin"
	RoleTutor = "tutor"

	InternalKeyHeader = "X-Internal-API-Key"
)

var ErrNoIdentity = errors.New("no authenticated user")

func Protected(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:   []byte(secret),
		ErrorHandler: jwtError,
	})
}

func jwtError(c *fiber.Ctx, err error) error {
	if err.Error() == "Missing or malformed JWT" {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "Missing or malformed JWT", "data": nil})
	}
	return c.Status(fiber.StatusUnauthorized).
		JSON(fiber.Map{"status": "error", "message": "Invalid or expired JWT", "data": nil})
}

func claims(c *fiber.Ctx) jwt.MapClaims {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return nil
	}
	mc, _ := token.Claims.(jwt.MapClaims)
	return mc
}

// UserID reads the user_id claim set by Protected.
func UserID(c *fiber.Ctx) (uuid.UUID, error) {
	raw, _ := claims(c)["user_id"].(string)
	if raw == "" {
		return uuid.Nil, ErrNoIdentity
	}
	return uuid.Parse(raw)
}

func Role(c *fiber.Ctx) string {
	role, _ := claims(c)["role"].(string)
	return role
}

func AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if Role(c) != RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden: Admin access required",
			})
		}
		return c.Next()
	}
}

func TutorRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if role := Role(c); role != RoleTutor && role != RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden: Tutor access required",
			})
		}
		return c.Next()
	}
}

// InternalOnly guards service-to-service hooks. An empty key rejects everything.
func InternalOnly(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get(InternalKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized: invalid internal key",
			})
		}
		return c.Next()
	}
}
