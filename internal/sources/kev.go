package sources

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

// KEV reads the CISA Known Exploited Vulnerabilities catalog.
type KEV struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

func NewKEV(cfg config.SourceConfig, opts ...Option) *KEV {
	return &KEV{
		cfg:     cfg,
		fetcher: NewFetcher("cisa_kev", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *KEV) Name() string { return "cisa_kev" }

type kevEntry struct {
	CveID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	RequiredAction             string `json:"requiredAction"`
	DueDate                    string `json:"dueDate"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
}

func (s *KEV) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	var resp struct {
		Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
	}
	if err := s.fetcher.GetJSON(ctx, s.cfg.BaseURL, nil, &resp); err != nil {
		return empty(), err
	}

	now := s.now()
	cutoff := since(cur, s.cfg.LookbackDays, now)
	if cur.Since.IsZero() && s.cfg.LookbackDays <= 0 {
		cutoff = time.Time{}
	}

	items := make([]*models.Item, 0, len(resp.Vulnerabilities))
	for _, raw := range resp.Vulnerabilities {
		var v kevEntry
		if err := json.Unmarshal(raw, &v); err != nil || v.CveID == "" {
			continue
		}
		added := parseTime(isoLayouts, v.DateAdded)
		if !cutoff.IsZero() && !added.IsZero() && added.Before(cutoff.Truncate(24*time.Hour)) {
			continue
		}

		item := newItem(s.Name(), v.CveID, now)
		item.Title = "Known Exploited Vulnerability: " + v.VulnerabilityName
		item.Description = v.ShortDescription
		if v.RequiredAction != "" {
			item.Description += " Required action: " + v.RequiredAction
		}
		item.Link = "https://nvd.nist.gov/vuln/detail/" + v.CveID
		item.Category = "vulnerability"
		item.ThreatLevel = models.ThreatCritical
		item.PublishedAt = added
		item.Tags = []string{v.VendorProject, v.Product}
		if v.KnownRansomwareCampaignUse == "Known" {
			item.Tags = append(item.Tags, "ransomware")
		}
		item.Indicators = []models.Indicator{{Type: models.IndicatorCVE, Value: v.CveID}}
		items = append(items, seal(item, raw))
	}

	// The catalog is append-only; keep the newest entries when capped.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
	if s.cfg.Limit > 0 && len(items) > s.cfg.Limit {
		items = items[:s.cfg.Limit]
	}

	logger.Info("CISA KEV entries fetched", zap.Int("count", len(items)))
	return items, nil
}
