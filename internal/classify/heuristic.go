package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/intelpipe/backend/internal/storage/models"
)

// escalating categories lift an item one level when matched.
var escalating = map[string]bool{
	"Terrorism":        true,
	"Counterterrorism": true,
	"Cyber_Threat":     true,
}

// Heuristic classifies without a model: the provider's own severity when it
// has one, otherwise the breadth of keyword category hits.
type Heuristic struct {
	now func() time.Time
}

func NewHeuristic() *Heuristic {
	return &Heuristic{now: time.Now}
}

func (h *Heuristic) Classify(_ context.Context, item *models.Item) models.Assessment {
	a := models.Assessment{
		ItemID:      item.ID,
		ContentHash: item.ContentHash,
		Method:      models.MethodHeuristic,
		CreatedAt:   h.now().UTC().Truncate(time.Second),
	}

	cats := make([]string, 0, len(item.Keywords))
	escalate := false
	for name := range item.Keywords {
		cats = append(cats, name)
		if escalating[name] {
			escalate = true
		}
	}
	sort.Strings(cats)

	if item.ThreatLevel != "" && item.ThreatLevel != models.ThreatUnknown {
		a.ThreatLevel = item.ThreatLevel
		a.Rationale = fmt.Sprintf("provider severity %s", item.ThreatLevel)
	} else {
		switch n := len(cats); {
		case n >= 3:
			a.ThreatLevel = models.ThreatHigh
		case n == 2:
			a.ThreatLevel = models.ThreatMedium
		case n == 1:
			a.ThreatLevel = models.ThreatLow
		default:
			a.ThreatLevel = models.ThreatInformational
		}
		if escalate && a.ThreatLevel.Rank() < models.ThreatHigh.Rank() {
			a.ThreatLevel = models.ThreatLevels[indexOf(a.ThreatLevel)-1]
		}
		a.Rationale = "keyword categories: none"
		if len(cats) > 0 {
			a.Rationale = "keyword categories: " + strings.Join(cats, ", ")
		}
	}

	a.IntelligenceValue = valueFor(a.ThreatLevel)
	a.Relevance = clampRelevance(float64(a.ThreatLevel.Priority()) + float64(len(cats))/2)
	return a
}

func indexOf(level models.ThreatLevel) int {
	for i, l := range models.ThreatLevels {
		if l == level {
			return i
		}
	}
	return len(models.ThreatLevels) - 1
}
