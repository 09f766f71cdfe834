package controllers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// errorJSON writes the uniform error body used by every JSON endpoint.
func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// parseQuery binds and validates query parameters into out.
func parseQuery(c *fiber.Ctx, out interface{}) error {
	if err := c.QueryParser(out); err != nil {
		return err
	}
	return validate.Struct(out)
}

// parseOptionalBody binds and validates a JSON body; an empty body keeps
// the zero value.
func parseOptionalBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return err
		}
	}
	return validate.Struct(out)
}
