package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

// NVD reads recently published CVEs from the NVD 2.0 API.
type NVD struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
}

func NewNVD(cfg config.SourceConfig, opts ...Option) *NVD {
	return &NVD{
		cfg:     cfg,
		fetcher: NewFetcher("nvd", cfg.Timeout, cfg.RequestDelay, opts...),
		now:     time.Now,
	}
}

func (s *NVD) Name() string { return "nvd" }

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		V31 []nvdMetric `json:"cvssMetricV31"`
		V30 []nvdMetric `json:"cvssMetricV30"`
		V2  []nvdMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Weaknesses []struct {
		Description []struct {
			Value string `json:"value"`
		} `json:"description"`
	} `json:"weaknesses"`
}

type nvdMetric struct {
	CvssData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

func (c nvdCVE) score() float64 {
	for _, set := range [][]nvdMetric{c.Metrics.V31, c.Metrics.V30, c.Metrics.V2} {
		if len(set) > 0 {
			return set[0].CvssData.BaseScore
		}
	}
	return 0
}

// cvssLevel maps a CVSS base score onto a threat level.
func cvssLevel(score float64) models.ThreatLevel {
	switch {
	case score >= 9:
		return models.ThreatCritical
	case score >= 7:
		return models.ThreatHigh
	case score >= 4:
		return models.ThreatMedium
	case score > 0:
		return models.ThreatLow
	default:
		return models.ThreatUnknown
	}
}

func (s *NVD) Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error) {
	now := s.now().UTC()
	start := since(cur, s.cfg.LookbackDays, now).UTC()

	params := url.Values{}
	params.Set("pubStartDate", start.Format("2006-01-02T15:04:05.000Z"))
	params.Set("pubEndDate", now.Format("2006-01-02T15:04:05.000Z"))
	params.Set("resultsPerPage", strconv.Itoa(max(s.cfg.Limit, 1)))
	endpoint := fmt.Sprintf("%s?%s", s.cfg.BaseURL, params.Encode())

	headers := map[string]string{}
	if s.cfg.APIKey != "" {
		headers["apiKey"] = s.cfg.APIKey
	}

	var resp struct {
		Vulnerabilities []struct {
			CVE json.RawMessage `json:"cve"`
		} `json:"vulnerabilities"`
	}
	if err := s.fetcher.GetJSON(ctx, endpoint, headers, &resp); err != nil {
		return empty(), err
	}

	items := make([]*models.Item, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		var c nvdCVE
		if err := json.Unmarshal(v.CVE, &c); err != nil || c.ID == "" {
			continue
		}

		item := newItem(s.Name(), c.ID, now)
		item.Title = c.ID
		for _, d := range c.Descriptions {
			if d.Lang == "en" {
				item.Description = d.Value
				break
			}
		}
		score := c.score()
		if score > 0 {
			item.Title = fmt.Sprintf("%s (CVSS %.1f)", c.ID, score)
		}
		item.Link = "https://nvd.nist.gov/vuln/detail/" + c.ID
		item.Category = "vulnerability"
		item.ThreatLevel = cvssLevel(score)
		item.PublishedAt = parseTime(isoLayouts, c.Published)
		for _, w := range c.Weaknesses {
			for _, d := range w.Description {
				if d.Value != "" && d.Value != "NVD-CWE-noinfo" && d.Value != "NVD-CWE-Other" {
					item.Tags = append(item.Tags, d.Value)
				}
			}
		}
		item.Indicators = []models.Indicator{{Type: models.IndicatorCVE, Value: c.ID}}
		items = append(items, seal(item, v.CVE))
	}

	logger.Info("NVD CVEs fetched", zap.Int("count", len(items)))
	return items, nil
}
