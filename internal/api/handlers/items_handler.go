package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/middleware/validation"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/logger"
)

type ItemStore interface {
	ListItems(ctx context.Context, f models.ItemFilter) ([]models.AssessedItem, error)
	GetItem(ctx context.Context, source, externalID string) (*models.Item, error)
	GetItemByID(ctx context.Context, id string) (*models.Item, error)
	LatestAssessment(ctx context.Context, itemID string) (*models.Assessment, error)
}

type Correlator interface {
	Correlate(ctx context.Context, item *models.Item) ([]models.Correlation, error)
}

type ItemsHandler struct {
	store      ItemStore
	correlator Correlator
}

// NewItemsHandler serves stored items. correlator may be nil.
func NewItemsHandler(store ItemStore, correlator Correlator) *ItemsHandler {
	return &ItemsHandler{store: store, correlator: correlator}
}

// ListItems serves GET /items with the filter parsed by the validation
// middleware.
func (h *ItemsHandler) ListItems(c *fiber.Ctx) error {
	filter, _ := c.Locals(validation.ItemFilterKey).(models.ItemFilter)

	items, err := h.store.ListItems(c.Context(), filter)
	if err != nil {
		logger.Error("Failed to list items", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list items",
		})
	}
	for i := range items {
		items[i].Item.Raw = nil
	}
	if items == nil {
		items = []models.AssessedItem{}
	}

	return c.JSON(fiber.Map{
		"items":  items,
		"count":  len(items),
		"offset": filter.Offset,
	})
}

// GetItem serves GET /items/:source/:externalId. The raw provider record is
// included only with ?raw=true.
func (h *ItemsHandler) GetItem(c *fiber.Ctx) error {
	item, err := h.store.GetItem(c.Context(), c.Params("source"), c.Params("externalId"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Item not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get item", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get item",
		})
	}
	if !c.QueryBool("raw") {
		item.Raw = nil
	}

	out := fiber.Map{"item": item}
	a, err := h.store.LatestAssessment(c.Context(), item.ID)
	switch {
	case err == nil:
		out["assessment"] = a
		out["priority"] = a.ThreatLevel.Priority()
	case !errors.Is(err, sqlite.ErrNotFound):
		logger.Warn("Failed to load assessment", zap.String("item_id", item.ID), zap.Error(err))
	}
	return c.JSON(out)
}

// Correlations serves GET /items/:id/correlations.
func (h *ItemsHandler) Correlations(c *fiber.Ctx) error {
	if h.correlator == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Correlation is not configured",
		})
	}

	item, err := h.store.GetItemByID(c.Context(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Item not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get item", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get item",
		})
	}

	related, err := h.correlator.Correlate(c.Context(), item)
	if err != nil {
		logger.Error("Failed to correlate item", zap.String("item_id", item.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to correlate item",
		})
	}
	if related == nil {
		related = []models.Correlation{}
	}

	return c.JSON(fiber.Map{
		"item_id":      item.ID,
		"correlations": related,
	})
}
