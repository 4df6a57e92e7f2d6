package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/utils"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrNoResults means a page was fetched but nothing could be extracted,
	// typically because an upstream HTML layout changed.
	ErrNoResults = errors.New("no results extracted")
)

// StatusError reports a non-200 response from a provider.
type StatusError struct {
	Source     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d from %s", e.Source, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Source, e.StatusCode, e.URL, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// Cursor bounds a fetch. A zero Since means "use the source's lookback".
type Cursor struct {
	Since time.Time
}

// Source fetches one batch of records from a provider and normalizes them.
// Fetch never returns a nil slice: on failure it returns an empty list and
// the error.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cur Cursor) ([]*models.Item, error)
}

func missingCredentials(source string) error {
	return fmt.Errorf("%s: %w", source, ErrMissingCredentials)
}

func empty() []*models.Item {
	return []*models.Item{}
}

// since resolves the lower time bound for a fetch.
func since(cur Cursor, lookbackDays int, now time.Time) time.Time {
	if !cur.Since.IsZero() {
		return cur.Since
	}
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	return now.AddDate(0, 0, -lookbackDays)
}

func newItem(source, externalID string, collectedAt time.Time) *models.Item {
	return &models.Item{
		ID:          utils.NaturalKey(source, externalID),
		Source:      source,
		ExternalID:  externalID,
		ThreatLevel: models.ThreatUnknown,
		CollectedAt: collectedAt.UTC().Truncate(time.Second),
	}
}

// seal fills the content hash and compacts the raw record.
func seal(item *models.Item, raw []byte) *models.Item {
	if len(raw) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			item.Raw = json.RawMessage(buf.Bytes())
		}
	}

	parts := []string{item.Title, item.Description, item.Link, item.Category, string(item.ThreatLevel)}
	for _, ind := range item.Indicators {
		parts = append(parts, ind.Value)
	}
	item.ContentHash = utils.HashStrings(parts...)
	return item
}

func parseTime(layouts []string, value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Truncate(time.Second)
		}
	}
	return time.Time{}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}
