package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

// Congress searches Congress.gov bills for each configured keyword.
type Congress struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

func NewCongress(cfg config.SourceConfig, opts ...Option) *Congress {
	return &Congress{
		cfg:     cfg,
		fetcher: NewFetcher("congress", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *Congress) Name() string { return "congress" }

type congressBill struct {
	Congress      int    `json:"congress"`
	Number        string `json:"number"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	UpdateDate    string `json:"updateDate"`
	OriginChamber string `json:"originChamber"`
	LatestAction  struct {
		ActionDate string `json:"actionDate"`
		Text       string `json:"text"`
	} `json:"latestAction"`
}

func (s *Congress) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	if s.cfg.APIKey == "" {
		return empty(), missingCredentials(s.Name())
	}

	now := s.now()
	from := since(cur, s.cfg.LookbackDays, now)
	items := empty()
	seen := make(map[string]bool)
	var lastErr error
	succeeded := 0

	for _, kw := range s.cfg.Keywords {
		params := url.Values{}
		params.Set("q", kw)
		params.Set("format", "json")
		params.Set("limit", strconv.Itoa(max(s.cfg.Limit, 1)))
		params.Set("sort", "updateDate desc")
		params.Set("fromDateTime", from.UTC().Format("2006-01-02T15:04:05Z"))
		endpoint := fmt.Sprintf("%s/bill?%s", strings.TrimRight(s.cfg.BaseURL, "/"), params.Encode())

		var resp struct {
			Bills []json.RawMessage `json:"bills"`
		}
		if err := s.fetcher.GetJSON(ctx, endpoint, map[string]string{"X-API-Key": s.cfg.APIKey}, &resp); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return empty(), err
			}
			lastErr = err
			logger.Warn("Congress search failed", zap.String("keyword", kw), zap.Error(err))
			continue
		}
		succeeded++

		for _, raw := range resp.Bills {
			var b congressBill
			if err := json.Unmarshal(raw, &b); err != nil || b.Number == "" {
				continue
			}
			id := fmt.Sprintf("%d-%s-%s", b.Congress, strings.ToLower(b.Type), b.Number)
			if seen[id] {
				continue
			}
			seen[id] = true

			item := newItem(s.Name(), id, now)
			item.Title = fmt.Sprintf("%s %s: %s", b.Type, b.Number, b.Title)
			item.Description = b.LatestAction.Text
			item.Link = fmt.Sprintf("https://www.congress.gov/bill/%s-congress/%s/%s", ordinal(b.Congress), chamberPath(b.Type), b.Number)
			item.Category = "bill"
			item.PublishedAt = parseTime(isoLayouts, b.LatestAction.ActionDate)
			if item.PublishedAt.IsZero() {
				item.PublishedAt = parseTime(isoLayouts, b.UpdateDate)
			}
			item.Tags = []string{"query:" + kw}
			if b.OriginChamber != "" {
				item.Tags = append(item.Tags, strings.ToLower(b.OriginChamber))
			}
			items = append(items, seal(item, raw))
		}
	}

	if succeeded == 0 && lastErr != nil {
		return empty(), lastErr
	}

	logger.Info("Congress bills fetched", zap.Int("count", len(items)))
	return items, nil
}

func chamberPath(billType string) string {
	switch strings.ToUpper(billType) {
	case "HR":
		return "house-bill"
	case "S":
		return "senate-bill"
	case "HRES":
		return "house-resolution"
	case "SRES":
		return "senate-resolution"
	case "HJRES":
		return "house-joint-resolution"
	case "SJRES":
		return "senate-joint-resolution"
	default:
		return strings.ToLower(billType)
	}
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
