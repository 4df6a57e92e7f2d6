package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/middleware/validation"
	"github.com/intelpipe/backend/internal/query"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
)

type Searcher interface {
	Search(ctx context.Context, req query.Request) (*query.Response, error)
}

type SearchHandler struct {
	engine Searcher
}

func NewSearchHandler(engine Searcher) *SearchHandler {
	return &SearchHandler{engine: engine}
}

// Search serves GET /search?q=...
func (h *SearchHandler) Search(c *fiber.Ctx) error {
	filter, _ := c.Locals(validation.ItemFilterKey).(models.ItemFilter)

	resp, err := h.engine.Search(c.Context(), query.Request{
		Query:    filter.Text,
		Source:   filter.Source,
		MinLevel: filter.MinThreatLevel,
		Limit:    filter.Limit,
	})
	if errors.Is(err, query.ErrEmptyQuery) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if err != nil {
		logger.Error("Failed to process search", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process search",
		})
	}

	return c.JSON(resp)
}
