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

	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/utils"
)

// GSA searches federal contract opportunities and keeps only the ones that
// hit a security keyword category.
type GSA struct {
	cfg     config.SourceConfig
	matcher *keywords.Matcher
	fetcher *Fetcher
	now     func() time.Time
}

func NewGSA(cfg config.SourceConfig, matcher *keywords.Matcher, opts ...Option) *GSA {
	return &GSA{
		cfg:     cfg,
		matcher: matcher,
		fetcher: NewFetcher("gsa", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *GSA) Name() string { return "gsa" }

type gsaOpportunity struct {
	OpportunityID      string `json:"opportunityId"`
	NoticeID           string `json:"noticeId"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	FullParentPathName string `json:"fullParentPathName"`
	PostedDate         string `json:"postedDate"`
	ResponseDeadLine   string `json:"responseDeadLine"`
	NaicsCode          string `json:"naicsCode"`
	UILink             string `json:"uiLink"`
}

func (o gsaOpportunity) id() string {
	if o.OpportunityID != "" {
		return o.OpportunityID
	}
	if o.NoticeID != "" {
		return o.NoticeID
	}
	return "gsa_" + utils.HashStrings(o.Title)[:16]
}

func (s *GSA) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	now := s.now()
	from := since(cur, s.cfg.LookbackDays, now)

	headers := map[string]string{}
	if s.cfg.APIKey != "" {
		headers["X-API-Key"] = s.cfg.APIKey
	}

	items := empty()
	seen := make(map[string]bool)
	var lastErr error
	succeeded := 0

	for _, kw := range s.cfg.Keywords {
		params := url.Values{}
		params.Set("q", kw)
		params.Set("limit", strconv.Itoa(max(s.cfg.Limit, 1)))
		params.Set("offset", "0")
		params.Set("postedFrom", from.Format("2006-01-02"))
		endpoint := fmt.Sprintf("%s/search?%s", strings.TrimRight(s.cfg.BaseURL, "/"), params.Encode())

		var resp struct {
			Embedded struct {
				Opportunities []json.RawMessage `json:"opportunities"`
			} `json:"_embedded"`
		}
		if err := s.fetcher.GetJSON(ctx, endpoint, headers, &resp); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return empty(), err
			}
			lastErr = err
			logger.Warn("GSA search failed", zap.String("keyword", kw), zap.Error(err))
			continue
		}
		succeeded++

		for _, raw := range resp.Embedded.Opportunities {
			var o gsaOpportunity
			if err := json.Unmarshal(raw, &o); err != nil {
				continue
			}
			id := o.id()
			if seen[id] {
				continue
			}

			description := htmlText(o.Description)
			matched := s.matcher.Match(o.Title + " " + description)
			if len(matched) == 0 {
				continue
			}
			seen[id] = true

			item := newItem(s.Name(), id, now)
			item.Title = o.Title
			item.Description = utils.Truncate(description, 1000)
			item.Link = o.UILink
			if item.Link == "" {
				item.Link = "https://sam.gov/opp/" + id + "/view"
			}
			item.Category = "contract"
			item.PublishedAt = parseTime(isoLayouts, o.PostedDate)
			item.Keywords = matched
			item.Tags = []string{"agency:" + o.FullParentPathName}
			if o.NaicsCode != "" {
				item.Tags = append(item.Tags, "naics:"+o.NaicsCode)
			}
			items = append(items, seal(item, raw))
		}
	}

	if succeeded == 0 && lastErr != nil {
		return empty(), lastErr
	}

	logger.Info("GSA opportunities fetched", zap.Int("count", len(items)))
	return items, nil
}
