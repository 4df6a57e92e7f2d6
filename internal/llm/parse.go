package llm

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/intelpipe/backend/internal/storage/models"
)

var ErrNoJSON = errors.New("no JSON object in model reply")

// Reply is the structured verdict a classification prompt asks for.
type Reply struct {
	ThreatLevel       string    `json:"threat_level"`
	IntelligenceValue string    `json:"intelligence_value"`
	RelevanceScore    FlexScore `json:"relevance_score"`
	Analysis          string    `json:"analysis"`
	Indicators        []string  `json:"indicators,omitempty"`
}

// FlexScore accepts 7, 7.5, "7", "7/10" or a HIGH/MEDIUM/LOW word.
type FlexScore float64

func (s *FlexScore) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*s = FlexScore(f)
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		*s = 0
		return nil
	}
	str = strings.TrimSpace(str)
	if i := strings.IndexByte(str, '/'); i > 0 {
		str = strings.TrimSpace(str[:i])
	}
	if f, err := strconv.ParseFloat(str, 64); err == nil {
		*s = FlexScore(f)
		return nil
	}
	switch strings.ToUpper(str) {
	case "CRITICAL":
		*s = 10
	case "HIGH":
		*s = 8
	case "MEDIUM":
		*s = 5
	case "LOW":
		*s = 2
	default:
		*s = 0
	}
	return nil
}

// ExtractJSON returns the first balanced {...} object in text that is valid
// JSON. Braces inside string literals do not count toward the balance.
func ExtractJSON(text string) (string, error) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end := balancedEnd(text, start)
		if end < 0 {
			continue
		}
		if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// balancedEnd returns the index of the brace closing the one at start, or -1.
func balancedEnd(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ParseReply decodes the first JSON object in text into a Reply and checks
// the threat level is one the model was asked for.
func ParseReply(text string) (*Reply, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var r Reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	if models.ParseThreatLevel(r.ThreatLevel) == models.ThreatUnknown {
		return nil, errors.New("reply has no recognised threat_level")
	}
	return &r, nil
}

var fallbackOrder = []models.ThreatLevel{
	models.ThreatCritical,
	models.ThreatHigh,
	models.ThreatMedium,
	models.ThreatLow,
	models.ThreatInformational,
}

// KeywordLevel scans the upper-cased reply for severity words, most severe
// first. Unknown when nothing matches.
func KeywordLevel(text string) models.ThreatLevel {
	upper := strings.ToUpper(text)
	for _, lvl := range fallbackOrder {
		if strings.Contains(upper, string(lvl)) {
			return lvl
		}
	}
	return models.ThreatUnknown
}
