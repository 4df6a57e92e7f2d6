package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/utils"
)

// DescriptionLimit caps how much of an item's description goes into a prompt.
const DescriptionLimit = 800

const ClassifySystemPrompt = `You are a counterterrorism and cyber threat intelligence analyst.
Rate open-source records for threat level and intelligence value.
Respond ONLY with a JSON object of the form:
{"threat_level": "CRITICAL|HIGH|MEDIUM|LOW|INFORMATIONAL",
 "intelligence_value": "HIGH|MEDIUM|LOW",
 "relevance_score": 1-10,
 "analysis": "one or two sentences"}`

const SummarySystemPrompt = `You are a threat intelligence analyst writing a short briefing.
Summarize the threat landscape in at most five sentences. Name the most
significant items and any pattern across sources. Plain text, no markdown.`

// ClassifyPrompt renders the user prompt for one item.
func ClassifyPrompt(item *models.Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s\n", item.Source)
	if item.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", item.Category)
	}
	fmt.Fprintf(&sb, "Title: %s\n", item.Title)
	fmt.Fprintf(&sb, "Description: %s\n", utils.Truncate(item.Description, DescriptionLimit))
	if item.ThreatLevel != "" && item.ThreatLevel != models.ThreatUnknown {
		fmt.Fprintf(&sb, "Provider severity: %s\n", item.ThreatLevel)
	}
	if len(item.Keywords) > 0 {
		cats := make([]string, 0, len(item.Keywords))
		for name := range item.Keywords {
			cats = append(cats, name)
		}
		sort.Strings(cats)
		sb.WriteString("Matched keyword categories:\n")
		for _, name := range cats {
			fmt.Fprintf(&sb, "- %s: %s\n", name, strings.Join(item.Keywords[name], ", "))
		}
	}
	if n := len(item.Indicators); n > 0 {
		fmt.Fprintf(&sb, "Indicators of compromise: %d\n", n)
	}
	sb.WriteString("\nAssess the threat level and intelligence value of this record.")
	return sb.String()
}

// SummaryPrompt lists the run's most severe items for a landscape briefing.
func SummaryPrompt(items []models.AssessedItem, limit int) string {
	sorted := make([]models.AssessedItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Assessment.ThreatLevel.Rank() > sorted[j].Assessment.ThreatLevel.Rank()
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	counts := make(map[models.ThreatLevel]int)
	for _, it := range items {
		counts[it.Assessment.ThreatLevel]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Collected %d items.", len(items))
	for _, lvl := range models.ThreatLevels {
		if n := counts[lvl]; n > 0 {
			fmt.Fprintf(&sb, " %s: %d.", lvl, n)
		}
	}
	sb.WriteString("\n\nMost severe items:\n")
	for _, it := range sorted {
		fmt.Fprintf(&sb, "- [%s] (%s) %s\n", it.Assessment.ThreatLevel, it.Item.Source, utils.Truncate(it.Item.Title, 160))
	}
	return sb.String()
}
