package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs the public routes first, then the operator API.
func InstallRouter(app *fiber.App, http *HttpRouter, admin *AdminRouter) {
	setup(app, http, admin)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
