package sources

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	GUID        string   `xml:"guid"`
	PubDate     string   `xml:"pubDate"`
	Description string   `xml:"description"`
	Categories  []string `xml:"category"`
}

var rssDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
}

func parseRSS(data []byte) ([]rssItem, error) {
	var doc rssDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse RSS: %w", err)
	}
	return doc.Channel.Items, nil
}

// RSS reads one or more RSS feeds of a single publisher. Each configured feed
// name becomes the item category.
type RSS struct {
	name    string
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

// NewDOJ reads the Department of Justice news feeds (press releases,
// speeches, testimony).
func NewDOJ(cfg config.SourceConfig, opts ...Option) *RSS {
	return NewRSS("doj", cfg, opts...)
}

func NewRSS(name string, cfg config.SourceConfig, opts ...Option) *RSS {
	return &RSS{
		name:    name,
		cfg:     cfg,
		fetcher: NewFetcher(name, cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *RSS) Name() string { return s.name }

func (s *RSS) feedURL(feed string) string {
	if feed == "" {
		return s.cfg.BaseURL
	}
	sep := "?"
	if strings.Contains(s.cfg.BaseURL, "?") {
		sep = "&"
	}
	return s.cfg.BaseURL + sep + "type=" + url.QueryEscape(feed) + "&m=1"
}

// Fetch reads every feed. A failing feed is logged and skipped; the error of
// the last failure is returned only if no feed succeeded.
func (s *RSS) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	feeds := s.cfg.Feeds
	if len(feeds) == 0 {
		feeds = []string{""}
	}

	now := s.now()
	cutoff := cur.Since
	items := empty()
	seen := make(map[string]bool)
	var lastErr error
	succeeded := 0

	for _, feed := range feeds {
		data, err := s.fetcher.Get(ctx, s.feedURL(feed), map[string]string{"Accept": "application/rss+xml, application/xml"})
		if err == nil {
			var entries []rssItem
			entries, err = parseRSS(data)
			if err == nil {
				succeeded++
				items = append(items, s.normalize(feed, entries, cutoff, now, seen)...)
				continue
			}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return empty(), err
		}
		lastErr = err
		logger.Warn("RSS feed failed", zap.String("source", s.name), zap.String("feed", feed), zap.Error(err))
	}

	if succeeded == 0 && lastErr != nil {
		return empty(), lastErr
	}

	logger.Info("RSS items fetched", zap.String("source", s.name), zap.Int("count", len(items)))
	return items, nil
}

func (s *RSS) normalize(feed string, entries []rssItem, cutoff, now time.Time, seen map[string]bool) []*models.Item {
	var out []*models.Item
	for _, e := range entries {
		id := strings.TrimSpace(e.GUID)
		if id == "" {
			id = strings.TrimSpace(e.Link)
		}
		if id == "" || seen[id] {
			continue
		}
		published := parseTime(rssDateLayouts, e.PubDate)
		if !cutoff.IsZero() && !published.IsZero() && published.Before(cutoff) {
			continue
		}
		seen[id] = true

		item := newItem(s.name, id, now)
		item.Title = collapseSpace(e.Title)
		item.Description = htmlText(e.Description)
		item.Link = strings.TrimSpace(e.Link)
		item.Category = feed
		item.PublishedAt = published
		if len(e.Categories) > 0 {
			item.Tags = append([]string(nil), e.Categories...)
		}
		out = append(out, seal(item, nil))

		if s.cfg.Limit > 0 && len(out) >= s.cfg.Limit {
			break
		}
	}
	return out
}
