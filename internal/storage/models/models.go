package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ThreatLevel is the single severity scale every source and classifier maps onto.
type ThreatLevel string

const (
	ThreatCritical      ThreatLevel = "CRITICAL"
	ThreatHigh          ThreatLevel = "HIGH"
	ThreatMedium        ThreatLevel = "MEDIUM"
	ThreatLow           ThreatLevel = "LOW"
	ThreatInformational ThreatLevel = "INFORMATIONAL"
	ThreatUnknown       ThreatLevel = "UNKNOWN"
)

// ThreatLevels lists the known levels from most to least severe.
var ThreatLevels = []ThreatLevel{
	ThreatCritical, ThreatHigh, ThreatMedium, ThreatLow, ThreatInformational, ThreatUnknown,
}

// ParseThreatLevel normalizes provider and model vocabularies. Anything it
// does not recognize becomes UNKNOWN.
func ParseThreatLevel(s string) ThreatLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "SEVERE":
		return ThreatCritical
	case "HIGH":
		return ThreatHigh
	case "MEDIUM", "MODERATE", "MED":
		return ThreatMedium
	case "LOW":
		return ThreatLow
	case "INFORMATIONAL", "INFO", "NONE":
		return ThreatInformational
	default:
		return ThreatUnknown
	}
}

// Rank orders levels; higher is more severe. UNKNOWN ranks lowest.
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatCritical:
		return 5
	case ThreatHigh:
		return 4
	case ThreatMedium:
		return 3
	case ThreatLow:
		return 2
	case ThreatInformational:
		return 1
	default:
		return 0
	}
}

func (l ThreatLevel) AtLeast(other ThreatLevel) bool {
	return l.Rank() >= other.Rank()
}

// Priority is the 1-10 display priority pushed to dashboards.
func (l ThreatLevel) Priority() int {
	switch l {
	case ThreatCritical:
		return 10
	case ThreatHigh:
		return 8
	case ThreatMedium:
		return 5
	case ThreatLow:
		return 3
	case ThreatInformational:
		return 1
	default:
		return 0
	}
}

type IndicatorType string

const (
	IndicatorMD5     IndicatorType = "FileHash-MD5"
	IndicatorSHA1    IndicatorType = "FileHash-SHA1"
	IndicatorSHA256  IndicatorType = "FileHash-SHA256"
	IndicatorURL     IndicatorType = "URL"
	IndicatorIPv4    IndicatorType = "IPv4"
	IndicatorIPv6    IndicatorType = "IPv6"
	IndicatorDomain  IndicatorType = "domain"
	IndicatorCVE     IndicatorType = "CVE"
	IndicatorEmail   IndicatorType = "email"
	IndicatorUnknown IndicatorType = "unknown"
)

type Indicator struct {
	Type    IndicatorType `json:"type"`
	Value   string        `json:"value"`
	Comment string        `json:"comment,omitempty"`
}

// Item is one normalized record from any source. ID is derived from
// (Source, ExternalID) so re-fetches upsert the same row.
type Item struct {
	ID          string              `json:"id"`
	Source      string              `json:"source"`
	ExternalID  string              `json:"external_id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Link        string              `json:"link"`
	Category    string              `json:"category"`
	ThreatLevel ThreatLevel         `json:"threat_level"`
	Tags        []string            `json:"tags"`
	Keywords    map[string][]string `json:"keywords"`
	Indicators  []Indicator         `json:"indicators"`
	Raw         json.RawMessage     `json:"raw,omitempty"`
	ContentHash string              `json:"content_hash"`
	PublishedAt time.Time           `json:"published_at"`
	CollectedAt time.Time           `json:"collected_at"`
}

const (
	MethodLLM         = "llm"
	MethodLLMFallback = "llm_keyword_fallback"
	MethodHeuristic   = "heuristic"
	MethodSentinel    = "sentinel"
	// MethodCache marks a verdict reused from the assessment cache; Model
	// still names whoever produced it first.
	MethodCache       = "cache"
)

// Assessment is a classifier verdict for an item.
type Assessment struct {
	ID                int64       `json:"id,omitempty"`
	ItemID            string      `json:"item_id"`
	ThreatLevel       ThreatLevel `json:"threat_level"`
	IntelligenceValue ThreatLevel `json:"intelligence_value"`
	Relevance         float64     `json:"relevance"`
	Rationale         string      `json:"rationale"`
	RawResponse       string      `json:"raw_response,omitempty"`
	Method            string      `json:"method"`
	Degraded          bool        `json:"degraded"`
	Cached            bool        `json:"cached,omitempty"`
	Model             string      `json:"model,omitempty"`
	ContentHash       string      `json:"content_hash"`
	CreatedAt         time.Time   `json:"created_at"`
}

const (
	FeedOK       = "ok"
	FeedDegraded = "degraded"
	FeedFailed   = "failed"
	FeedSkipped  = "skipped"
)

// FeedStatus is the per-source health record kept across runs.
type FeedStatus struct {
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	LastRun      time.Time `json:"last_run"`
	LastSuccess  time.Time `json:"last_success"`
	ErrorCount   int       `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`
	ItemsFetched int       `json:"items_fetched"`
}

// SourceResult is one source's line in a run report.
type SourceResult struct {
	Name       string        `json:"name"`
	Status     string        `json:"status"`
	Fetched    int           `json:"fetched"`
	Stored     int           `json:"stored"`
	Duplicates int           `json:"skipped_duplicates"`
	Filtered   int           `json:"filtered"`
	// Complete is set when every fetched item was stored, deduplicated or
	// filtered. Only complete runs advance the source's cursor.
	Complete   bool          `json:"complete"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

type AssessedItem struct {
	Item       Item       `json:"item"`
	Assessment Assessment `json:"assessment"`
}

// Report is the combined output of one orchestrated run.
type Report struct {
	ID            string              `json:"id"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
	Sources       []SourceResult      `json:"sources"`
	ThreatSummary map[ThreatLevel]int `json:"threat_summary"`
	SourceSummary map[string]int      `json:"source_summary"`
	Items         []AssessedItem      `json:"items"`
	Summary       string              `json:"summary"`
	Degraded      bool                `json:"degraded"`
	Path          string              `json:"path,omitempty"`
}

type ItemFilter struct {
	Source         string
	MinThreatLevel ThreatLevel
	Since          time.Time
	Text           string
	Limit          int
	Offset         int
}

const (
	CorrelationSharedIndicator = "shared_indicator"
	CorrelationGraph           = "graph"
	CorrelationSemantic        = "semantic"
)

// Correlation links an item to another one and says why.
type Correlation struct {
	ItemID string   `json:"item_id"`
	Source string   `json:"source"`
	Title  string   `json:"title"`
	Reason string   `json:"reason"`
	Shared []string `json:"shared,omitempty"`
	Score  float64  `json:"score"`
}
