package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

func pathID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}
