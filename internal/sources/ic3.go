package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

// IC3 scrapes FBI IC3 alert and PSA links from the news page. It depends on
// the page layout; when nothing matches it reports ErrNoResults so a layout
// change shows up in feed status instead of as a silent empty run.
type IC3 struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

func NewIC3(cfg config.SourceConfig, opts ...Option) *IC3 {
	return &IC3{
		cfg:     cfg,
		fetcher: NewFetcher("ic3", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *IC3) Name() string { return "ic3" }

func (s *IC3) Fetch(ctx context.Context, _ Cursor) ([]*models.Item, error) {
	body, err := s.fetcher.Get(ctx, s.cfg.BaseURL, map[string]string{"Accept": "text/html"})
	if err != nil {
		return empty(), err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return empty(), fmt.Errorf("ic3: failed to parse HTML: %w", err)
	}

	base, _ := url.Parse(s.cfg.BaseURL)
	now := s.now()
	limit := s.cfg.Limit
	if limit <= 0 {
		limit = 10
	}

	items := empty()
	seen := make(map[string]bool)
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		lower := strings.ToLower(href)
		if !strings.Contains(lower, "alert") && !strings.Contains(lower, "psa") {
			return true
		}
		title := collapseSpace(a.Text())
		if title == "" {
			return true
		}

		link := href
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				link = base.ResolveReference(ref).String()
			}
		}
		if seen[link] {
			return true
		}
		seen[link] = true

		item := newItem(s.Name(), link, now)
		item.Title = title
		item.Description = "FBI IC3 cybersecurity alert"
		item.Link = link
		item.Category = "psa"
		if strings.Contains(lower, "alert") {
			item.Category = "alert"
		}
		item.ThreatLevel = models.ThreatHigh
		item.Tags = []string{"fraud", "social engineering"}
		items = append(items, seal(item, nil))

		return len(items) < limit
	})

	if len(items) == 0 {
		logger.Warn("IC3 page yielded no alert links, layout may have changed", zap.String("url", s.cfg.BaseURL))
		return items, fmt.Errorf("ic3: %w", ErrNoResults)
	}

	logger.Info("IC3 alerts fetched", zap.Int("count", len(items)))
	return items, nil
}
