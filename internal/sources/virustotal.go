package sources

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

var ErrUnsupportedIndicator = errors.New("indicator type not supported by VirusTotal")

type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictUnknown    Verdict = "unknown"
)

// Enrichment is the VirusTotal view of one indicator.
type Enrichment struct {
	Indicator  models.Indicator `json:"indicator"`
	Verdict    Verdict          `json:"verdict"`
	Malicious  int              `json:"malicious"`
	Suspicious int              `json:"suspicious"`
	Total      int              `json:"total"`
	Confidence int              `json:"confidence"`
	Families   []string         `json:"families,omitempty"`
	Link       string           `json:"link"`
}

// Summary renders the enrichment as an indicator comment.
func (e *Enrichment) Summary() string {
	return fmt.Sprintf("virustotal: %s %d/%d (confidence %d)", e.Verdict, e.Malicious, e.Total, e.Confidence)
}

// VirusTotal looks up indicators against the VirusTotal v3 API.
type VirusTotal struct {
	cfg     config.SourceConfig
	fetcher *Fetcher
}

func NewVirusTotal(cfg config.SourceConfig, opts ...Option) *VirusTotal {
	return &VirusTotal{
		cfg:     cfg,
		fetcher: NewFetcher("virustotal", cfg.Timeout, cfg.RequestDelay, opts...),
	}
}

func (v *VirusTotal) Enabled() bool {
	return v.cfg.Enabled && v.cfg.APIKey != ""
}

type vtObject struct {
	Data struct {
		Attributes struct {
			Stats   map[string]int `json:"last_analysis_stats"`
			Results map[string]struct {
				Category string `json:"category"`
				Result   string `json:"result"`
			} `json:"last_analysis_results"`
		} `json:"attributes"`
	} `json:"data"`
}

func (v *VirusTotal) path(ind models.Indicator) (string, string, error) {
	switch ind.Type {
	case models.IndicatorMD5, models.IndicatorSHA1, models.IndicatorSHA256:
		return "files/" + strings.ToLower(ind.Value), "file/" + strings.ToLower(ind.Value), nil
	case models.IndicatorURL:
		id := base64.RawURLEncoding.EncodeToString([]byte(ind.Value))
		return "urls/" + id, "url/" + id, nil
	case models.IndicatorDomain:
		d := strings.ToLower(strings.TrimSuffix(ind.Value, "."))
		return "domains/" + url.PathEscape(d), "domain/" + d, nil
	case models.IndicatorIPv4, models.IndicatorIPv6:
		return "ip_addresses/" + url.PathEscape(ind.Value), "ip-address/" + ind.Value, nil
	default:
		return "", "", ErrUnsupportedIndicator
	}
}

// Lookup fetches the latest analysis for one indicator.
func (v *VirusTotal) Lookup(ctx context.Context, ind models.Indicator) (*Enrichment, error) {
	if v.cfg.APIKey == "" {
		return nil, missingCredentials("virustotal")
	}
	apiPath, guiPath, err := v.path(ind)
	if err != nil {
		return nil, err
	}

	var obj vtObject
	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/" + apiPath
	if err := v.fetcher.GetJSON(ctx, endpoint, map[string]string{"x-apikey": v.cfg.APIKey}, &obj); err != nil {
		return nil, err
	}

	stats := obj.Data.Attributes.Stats
	e := &Enrichment{
		Indicator:  ind,
		Malicious:  stats["malicious"],
		Suspicious: stats["suspicious"],
		Link:       "https://www.virustotal.com/gui/" + guiPath,
	}
	for _, n := range stats {
		e.Total += n
	}

	threshold := 3
	if ind.Type == models.IndicatorMD5 || ind.Type == models.IndicatorSHA1 || ind.Type == models.IndicatorSHA256 {
		threshold = 5
	}
	switch {
	case e.Total == 0:
		e.Verdict = VerdictUnknown
	case e.Malicious >= threshold:
		e.Verdict = VerdictMalicious
	case e.Malicious > 0 || e.Suspicious > 0:
		e.Verdict = VerdictSuspicious
	default:
		e.Verdict = VerdictClean
	}
	e.Confidence = vtConfidence(e.Verdict, e.Malicious)

	families := make(map[string]bool)
	for _, r := range obj.Data.Attributes.Results {
		if r.Category == "malicious" && r.Result != "" {
			families[r.Result] = true
		}
	}
	for f := range families {
		e.Families = append(e.Families, f)
	}
	sort.Strings(e.Families)

	return e, nil
}

func vtConfidence(v Verdict, malicious int) int {
	switch v {
	case VerdictMalicious:
		switch {
		case malicious >= 10:
			return 95
		case malicious >= 5:
			return 85
		default:
			return 75
		}
	case VerdictSuspicious:
		return 60
	case VerdictClean:
		return 40
	default:
		return 20
	}
}

// Enrich looks up up to the configured limit of an item's indicators and
// writes the verdict into each indicator comment. Lookup failures are logged
// and leave the indicator untouched.
func (v *VirusTotal) Enrich(ctx context.Context, item *models.Item) []*Enrichment {
	limit := v.cfg.Limit
	if limit <= 0 {
		limit = 4
	}

	var out []*Enrichment
	for i := range item.Indicators {
		if len(out) >= limit || ctx.Err() != nil {
			break
		}
		ind := item.Indicators[i]
		if ind.Type == models.IndicatorUnknown || ind.Type == "" {
			ind.Type = DetectIndicatorType(ind.Value)
		}

		start := time.Now()
		e, err := v.Lookup(ctx, ind)
		if errors.Is(err, ErrUnsupportedIndicator) {
			continue
		}
		if err != nil {
			logger.Warn("VirusTotal lookup failed",
				zap.String("item_id", item.ID),
				zap.String("indicator", ind.Value),
				zap.Error(err),
			)
			continue
		}

		item.Indicators[i].Comment = strings.TrimSpace(strings.TrimPrefix(item.Indicators[i].Comment+"; "+e.Summary(), "; "))
		out = append(out, e)
		logger.Debug("Indicator enriched",
			zap.String("indicator", ind.Value),
			zap.String("verdict", string(e.Verdict)),
			zap.Duration("took", time.Since(start)),
		)
	}
	return out
}
