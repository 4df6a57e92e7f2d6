package builder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
)

// Graph is the write side of the correlation graph.
type Graph interface {
	UpsertItem(ctx context.Context, item *models.Item) error
}

// ItemLister pages through stored items. The SQLite client satisfies it.
type ItemLister interface {
	ListItems(ctx context.Context, f models.ItemFilter) ([]models.AssessedItem, error)
}

// Builder pushes items and their indicators into the graph, either one at
// a time as the pipeline persists them or in bulk from SQLite.
type Builder struct {
	db       ItemLister
	graph    Graph
	pageSize int
}

func NewBuilder(db ItemLister, graph Graph) *Builder {
	return &Builder{db: db, graph: graph, pageSize: 200}
}

// BuildFromItem links one item to its source and indicators. Items without
// indicators are still written so later items can reach them.
func (b *Builder) BuildFromItem(ctx context.Context, item *models.Item) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("item requires an id")
	}
	if err := b.graph.UpsertItem(ctx, item); err != nil {
		return err
	}
	return nil
}

// RebuildStats reports what a Rebuild pass did.
type RebuildStats struct {
	Items      int
	Indicators int
	Failed     int
}

// Rebuild replays stored items into the graph, optionally only one source.
// A failed item is logged and counted; a listing error aborts the pass.
func (b *Builder) Rebuild(ctx context.Context, source string) (RebuildStats, error) {
	var stats RebuildStats
	logger.Info("Rebuilding correlation graph", zap.String("source", source))

	for offset := 0; ; offset += b.pageSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := b.db.ListItems(ctx, models.ItemFilter{Source: source, Limit: b.pageSize, Offset: offset})
		if err != nil {
			return stats, fmt.Errorf("failed to list items at offset %d: %w", offset, err)
		}

		for i := range page {
			item := &page[i].Item
			if err := b.BuildFromItem(ctx, item); err != nil {
				stats.Failed++
				logger.Warn("Failed to write item to graph", zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			stats.Items++
			stats.Indicators += len(item.Indicators)
		}

		if len(page) < b.pageSize {
			break
		}
	}

	logger.Info("Correlation graph rebuilt",
		zap.Int("items", stats.Items),
		zap.Int("indicators", stats.Indicators),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}
