package sources

import (
	"context"
	"encoding/json"
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

// OTX reads subscribed AlienVault OTX pulses.
type OTX struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

func NewOTX(cfg config.SourceConfig, opts ...Option) *OTX {
	return &OTX{
		cfg:     cfg,
		fetcher: NewFetcher("otx", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *OTX) Name() string { return "otx" }

type otxPulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	AuthorName  string   `json:"author_name"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
	TLP         string   `json:"TLP"`
	Tags        []string `json:"tags"`
	References  []string `json:"references"`
	Adversary   string   `json:"adversary"`
	Malware     []struct {
		DisplayName string `json:"display_name"`
	} `json:"malware_families"`
	AttackIDs []struct {
		ID string `json:"id"`
	} `json:"attack_ids"`
	Indicators []struct {
		Indicator   string `json:"indicator"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"indicators"`
}

func (s *OTX) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	if s.cfg.APIKey == "" {
		return empty(), missingCredentials(s.Name())
	}

	now := s.now()
	params := url.Values{}
	params.Set("limit", strconv.Itoa(max(s.cfg.Limit, 1)))
	params.Set("modified_since", since(cur, s.cfg.LookbackDays, now).Format("2006-01-02T15:04:05"))
	endpoint := fmt.Sprintf("%s/pulses/subscribed?%s", strings.TrimRight(s.cfg.BaseURL, "/"), params.Encode())

	var resp struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := s.fetcher.GetJSON(ctx, endpoint, map[string]string{"X-OTX-API-KEY": s.cfg.APIKey}, &resp); err != nil {
		return empty(), err
	}

	items := make([]*models.Item, 0, len(resp.Results))
	for _, raw := range resp.Results {
		var p otxPulse
		if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
			logger.Warn("Skipping malformed OTX pulse", zap.Error(err))
			continue
		}
		items = append(items, s.normalize(p, raw, now))
	}

	logger.Info("OTX pulses fetched", zap.Int("count", len(items)))
	return items, nil
}

func (s *OTX) normalize(p otxPulse, raw []byte, now time.Time) *models.Item {
	item := newItem(s.Name(), p.ID, now)
	item.Title = p.Name
	item.Description = htmlText(p.Description)
	item.Link = "https://otx.alienvault.com/pulse/" + p.ID
	item.Category = "pulse"
	item.PublishedAt = parseTime(isoLayouts, p.Created)

	tags := append([]string(nil), p.Tags...)
	for _, m := range p.Malware {
		if m.DisplayName != "" {
			tags = append(tags, "malware:"+m.DisplayName)
		}
	}
	for _, a := range p.AttackIDs {
		if a.ID != "" {
			tags = append(tags, "attack:"+a.ID)
		}
	}
	if p.Adversary != "" {
		tags = append(tags, "adversary:"+p.Adversary)
	}
	if len(tags) > 0 {
		item.Tags = tags
	}

	for _, ind := range p.Indicators {
		if ind.Indicator == "" {
			continue
		}
		item.Indicators = append(item.Indicators, models.Indicator{
			Type:    normalizeIndicatorType(ind.Type, ind.Indicator),
			Value:   ind.Indicator,
			Comment: ind.Description,
		})
	}

	// OTX carries no severity; indicator volume and named malware are the
	// only provider-side signal.
	switch {
	case len(p.Malware) > 0 && len(item.Indicators) >= 10:
		item.ThreatLevel = models.ThreatHigh
	case len(item.Indicators) > 0:
		item.ThreatLevel = models.ThreatMedium
	default:
		item.ThreatLevel = models.ThreatLow
	}

	return seal(item, raw)
}
