package sources

import (
	"fmt"
	"sort"

	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/pkg/config"
)

// Known lists every adapter this package provides, in run order.
var Known = []string{"otx", "cisa_kev", "nvd", "misp", "doj", "congress", "gsa", "ic3"}

// Registry maps source names to adapters.
type Registry struct {
	sources map[string]Source
	enabled map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
		enabled: make(map[string]bool),
	}
}

// FromConfig builds every known adapter from cfg.Sources. Adapters are built
// even when disabled so they can still be run on demand.
func FromConfig(cfg *config.Config, matcher *keywords.Matcher, opts ...Option) *Registry {
	r := NewRegistry()
	for _, name := range Known {
		sc := cfg.Sources[name]
		var src Source
		switch name {
		case "otx":
			src = NewOTX(sc, opts...)
		case "cisa_kev":
			src = NewKEV(sc, opts...)
		case "nvd":
			src = NewNVD(sc, opts...)
		case "misp":
			src = NewMISP(sc, opts...)
		case "doj":
			src = NewDOJ(sc, opts...)
		case "congress":
			src = NewCongress(sc, opts...)
		case "gsa":
			src = NewGSA(sc, matcher, opts...)
		case "ic3":
			src = NewIC3(sc, opts...)
		}
		r.Register(src, sc.Enabled)
	}
	return r
}

func (r *Registry) Register(src Source, enabled bool) {
	r.sources[src.Name()] = src
	r.enabled[src.Name()] = enabled
}

func (r *Registry) Get(name string) (Source, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return src, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.sources[name]
	return ok
}

func (r *Registry) IsEnabled(name string) bool {
	return r.enabled[name]
}

// Names returns all registered sources, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the enabled sources, sorted.
func (r *Registry) Enabled() []string {
	var names []string
	for _, name := range r.Names() {
		if r.enabled[name] {
			names = append(names, name)
		}
	}
	return names
}
