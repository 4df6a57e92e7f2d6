package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Routes groups the handlers served by the API. Nil handlers are not mounted.
type Routes struct {
	Health    *HealthHandler
	Items     *ItemsHandler
	Runs      *RunsHandler
	Search    *SearchHandler
	WebSocket *WebSocketHandler
	Metrics   fiber.Handler
}

func Register(app *fiber.App, r Routes) {
	api := app.Group("/api/v1")

	if r.Health != nil {
		api.Get("/health", r.Health.Health)
		api.Get("/ready", r.Health.Ready)
	}
	if r.Items != nil {
		api.Get("/items", r.Items.ListItems)
		api.Get("/items/:id/correlations", r.Items.Correlations)
		api.Get("/items/:source/:externalId", r.Items.GetItem)
	}
	if r.Runs != nil {
		api.Get("/sources", r.Runs.Sources)
		api.Post("/runs", r.Runs.StartRun)
		api.Get("/reports/latest", r.Runs.LatestReport)
	}
	if r.Search != nil {
		api.Get("/search", r.Search.Search)
	}
	if r.WebSocket != nil {
		app.Get("/ws", r.WebSocket.Upgrade, websocket.New(r.WebSocket.HandleConnection))
	}
	if r.Metrics != nil {
		app.Get("/metrics", r.Metrics)
	}
}
