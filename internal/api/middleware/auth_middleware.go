package middleware

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	config "github.com/marqly/publisher/configs"
	"github.com/marqly/publisher/pkg/utils"
)

type AuthMiddleware struct {
	cfg config.Config
}

func NewAuthMiddleware(cfg config.Config) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg}
}

func (m *AuthMiddleware) AuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Cookies(m.cfg.CookieName)
		if tokenString == "" {
			if header := c.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				tokenString = strings.TrimPrefix(header, "Bearer ")
			}
		}

		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing token or cookie",
			})
		}

		claims, err := utils.ValidateToken(m.cfg.SecretKey, tokenString)
		if err != nil {
			c.Cookie(&fiber.Cookie{
				Name:   m.cfg.CookieName,
				Value:  "",
				Path:   "/",
				MaxAge: -1,
			})

			slog.Info("token validation failed", "error", err.Error())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("user_id", claims.UserID)
		return c.Next()
	}
}
