package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

// MISP searches a MISP instance for recent events.
type MISP struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

func NewMISP(cfg config.SourceConfig, opts ...Option) *MISP {
	return &MISP{
		cfg:     cfg,
		fetcher: NewFetcher("misp", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *MISP) Name() string { return "misp" }

type mispTag struct {
	Name string `json:"name"`
}

type mispEvent struct {
	ID            string    `json:"id"`
	UUID          string    `json:"uuid"`
	Info          string    `json:"info"`
	ThreatLevelID string    `json:"threat_level_id"`
	Timestamp     string    `json:"timestamp"`
	Date          string    `json:"date"`
	Tags          []mispTag `json:"Tag"`
	Orgc          struct {
		Name string `json:"name"`
	} `json:"Orgc"`
	Attributes []struct {
		Type    string `json:"type"`
		Value   string `json:"value"`
		Comment string `json:"comment"`
		ToIDS   bool   `json:"to_ids"`
	} `json:"Attribute"`
	Galaxy []struct {
		Clusters []struct {
			Value string `json:"value"`
		} `json:"GalaxyCluster"`
	} `json:"Galaxy"`
}

// mispLevel maps MISP threat_level_id (1 high .. 4 undefined).
func mispLevel(id string) models.ThreatLevel {
	switch strings.TrimSpace(id) {
	case "1":
		return models.ThreatHigh
	case "2":
		return models.ThreatMedium
	case "3":
		return models.ThreatLow
	default:
		return models.ThreatUnknown
	}
}

func (s *MISP) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	if s.cfg.BaseURL == "" || s.cfg.APIKey == "" {
		return empty(), missingCredentials(s.Name())
	}

	now := s.now()
	from := since(cur, s.cfg.LookbackDays, now)
	days := int(now.Sub(from).Hours()/24) + 1

	search := map[string]any{
		"returnFormat":   "json",
		"last":           fmt.Sprintf("%dd", days),
		"includeContext": 1,
		"metadata":       0,
		"limit":          max(s.cfg.Limit, 1),
	}

	var resp struct {
		Response []struct {
			Event json.RawMessage `json:"Event"`
		} `json:"response"`
	}
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/events/restSearch"
	if err := s.fetcher.PostJSON(ctx, endpoint, map[string]string{"Authorization": s.cfg.APIKey}, search, &resp); err != nil {
		return empty(), err
	}

	items := make([]*models.Item, 0, len(resp.Response))
	for _, r := range resp.Response {
		var e mispEvent
		if err := json.Unmarshal(r.Event, &e); err != nil || e.ID == "" {
			continue
		}

		item := newItem(s.Name(), e.ID, now)
		item.Title = e.Info
		item.Description = fmt.Sprintf("MISP event %s published by %s with %d attributes", e.UUID, e.Orgc.Name, len(e.Attributes))
		item.Link = strings.TrimRight(s.cfg.BaseURL, "/") + "/events/view/" + e.ID
		item.Category = "event"
		item.ThreatLevel = mispLevel(e.ThreatLevelID)
		if ts, err := strconv.ParseInt(e.Timestamp, 10, 64); err == nil && ts > 0 {
			item.PublishedAt = time.Unix(ts, 0).UTC()
		} else {
			item.PublishedAt = parseTime(isoLayouts, e.Date)
		}
		for _, t := range e.Tags {
			item.Tags = append(item.Tags, t.Name)
		}
		for _, g := range e.Galaxy {
			for _, c := range g.Clusters {
				item.Tags = append(item.Tags, "galaxy:"+c.Value)
			}
		}
		for _, a := range e.Attributes {
			if !a.ToIDS || a.Value == "" {
				continue
			}
			item.Indicators = append(item.Indicators, models.Indicator{
				Type:    normalizeIndicatorType(a.Type, a.Value),
				Value:   a.Value,
				Comment: a.Comment,
			})
		}
		items = append(items, seal(item, r.Event))
	}

	logger.Info("MISP events fetched", zap.Int("count", len(items)))
	return items, nil
}
