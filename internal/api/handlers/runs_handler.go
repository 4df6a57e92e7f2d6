package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/middleware/validation"
	"github.com/intelpipe/backend/internal/orchestrator"
	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/logger"
)

type RunStarter interface {
	Go(ctx context.Context, opts orchestrator.RunOptions, done func(*models.Report, error)) error
	Busy() bool
}

type ReportStore interface {
	LatestReport(ctx context.Context) (*models.Report, error)
	ListFeedStatus(ctx context.Context) ([]models.FeedStatus, error)
}

type RunsHandler struct {
	runner   RunStarter
	store    ReportStore
	registry *sources.Registry
	baseCtx  context.Context
}

// NewRunsHandler runs started over HTTP under baseCtx, which outlives the
// request that started them.
func NewRunsHandler(baseCtx context.Context, runner RunStarter, store ReportStore, registry *sources.Registry) *RunsHandler {
	return &RunsHandler{runner: runner, store: store, registry: registry, baseCtx: baseCtx}
}

// StartRun serves POST /runs. The run continues in the background; its
// summary arrives over the WebSocket and at /reports/latest.
func (h *RunsHandler) StartRun(c *fiber.Ctx) error {
	req, _ := c.Locals(validation.RunRequestKey).(validation.RunRequest)

	err := h.runner.Go(h.baseCtx, orchestrator.RunOptions{Sources: req.Sources, Summary: req.Summary}, nil)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "A run is already in progress",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Info("Run requested over HTTP", zap.Strings("sources", req.Sources), zap.String("ip", c.IP()))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "accepted",
		"sources": req.Sources,
	})
}

// LatestReport serves GET /reports/latest. ?items=false drops the item list.
func (h *RunsHandler) LatestReport(c *fiber.Ctx) error {
	report, err := h.store.LatestReport(c.Context())
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No report yet",
		})
	}
	if err != nil {
		logger.Error("Failed to load report", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load report",
		})
	}
	if !c.QueryBool("items", true) {
		report.Items = nil
	}
	return c.JSON(report)
}

type sourceInfo struct {
	Name    string             `json:"name"`
	Enabled bool               `json:"enabled"`
	Status  *models.FeedStatus `json:"status,omitempty"`
}

// Sources serves GET /sources: every registered source with its feed health.
func (h *RunsHandler) Sources(c *fiber.Ctx) error {
	statuses, err := h.store.ListFeedStatus(c.Context())
	if err != nil {
		logger.Error("Failed to load feed status", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load feed status",
		})
	}
	byName := make(map[string]*models.FeedStatus, len(statuses))
	for i := range statuses {
		byName[statuses[i].Source] = &statuses[i]
	}

	names := h.registry.Names()
	out := make([]sourceInfo, 0, len(names))
	for _, name := range names {
		out = append(out, sourceInfo{Name: name, Enabled: h.registry.IsEnabled(name), Status: byName[name]})
	}

	return c.JSON(fiber.Map{
		"sources": out,
		"running": h.runner.Busy(),
	})
}
