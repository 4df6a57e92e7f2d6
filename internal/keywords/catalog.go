package keywords

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

type Category struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Catalog is an ordered set of keyword categories.
type Catalog struct {
	Categories []Category `yaml:"categories" json:"categories"`
}

func Default() *Catalog {
	return &Catalog{Categories: []Category{
		{Name: "Counterterrorism", Keywords: []string{"counterterrorism", "counter-terrorism", "terrorism prevention", "terrorist threat", "anti-terrorism", "homeland security"}},
		{Name: "Cybersecurity", Keywords: []string{"cybersecurity", "cyber security", "information security", "network security", "cyber defense", "cyber threat"}},
		{Name: "Intelligence", Keywords: []string{"intelligence analysis", "threat intelligence", "OSINT", "intelligence community", "classified systems", "SCIF"}},
		{Name: "Physical_Security", Keywords: []string{"physical security", "access control", "perimeter security", "surveillance systems", "security screening", "metal detection"}},
		{Name: "Critical_Infrastructure", Keywords: []string{"critical infrastructure", "infrastructure protection", "SCADA security", "industrial control", "power grid"}},
		{Name: "Border_Security", Keywords: []string{"border security", "customs", "immigration enforcement", "port security", "maritime security", "aviation security"}},
		{Name: "Emergency_Response", Keywords: []string{"emergency response", "crisis management", "disaster recovery", "continuity of operations", "COOP", "emergency communications"}},
		{Name: "Surveillance_Technology", Keywords: []string{"surveillance", "monitoring systems", "facial recognition", "biometric", "video analytics", "sensor networks"}},
		{Name: "Terrorism", Keywords: []string{"terrorism", "terrorist", "national security", "material support", "extremist"}},
		{Name: "Cyber_Threat", Keywords: []string{"ransomware", "malware", "phishing", "botnet", "exploit", "zero-day", "APT", "command and control"}},
	}}
}

// Load reads a YAML catalog. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyword catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse keyword catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("keyword catalog has no categories")
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return fmt.Errorf("keyword catalog has a category without a name")
		}
		if seen[cat.Name] {
			return fmt.Errorf("keyword category %q defined twice", cat.Name)
		}
		seen[cat.Name] = true
	}
	return nil
}

// Match returns, per category, the keywords contained in text, compared
// case-insensitively. Categories without a hit are left out; nil means no hit.
func (c *Catalog) Match(text string) map[string][]string {
	lower := strings.ToLower(text)
	var out map[string][]string

	for _, cat := range c.Categories {
		var hits []string
		for _, kw := range cat.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits = append(hits, kw)
			}
		}
		if len(hits) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[cat.Name] = hits
	}
	return out
}

// Matcher holds the active catalog and allows swapping it at runtime.
type Matcher struct {
	cur atomic.Pointer[Catalog]
}

func NewMatcher(c *Catalog) *Matcher {
	m := &Matcher{}
	m.cur.Store(c)
	return m
}

func (m *Matcher) Match(text string) map[string][]string {
	return m.cur.Load().Match(text)
}

func (m *Matcher) Catalog() *Catalog {
	return m.cur.Load()
}

func (m *Matcher) Swap(c *Catalog) {
	m.cur.Store(c)
}
