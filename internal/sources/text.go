package sources

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlText strips markup from an HTML fragment and collapses whitespace.
// Plain text passes through unchanged apart from whitespace.
func htmlText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return collapseSpace(fragment)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseSpace(fragment)
	}
	doc.Find("script, style").Remove()
	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
