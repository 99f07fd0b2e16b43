package rules

import (
	"sort"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/Masterminds/semver/v3"
)

// Registry holds the known rulesets ordered by semantic version.
type Registry struct {
	rulesets []*Ruleset
}

func NewRegistry(rulesets ...*Ruleset) *Registry {
	sorted := append([]*Ruleset{}, rulesets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version.LessThan(sorted[j].Version) })
	return &Registry{rulesets: sorted}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the built-in rulesets (v1, v1.1). CEL checks are
// compiled once per process.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		env, err := newCheckEnv()
		if err != nil {
			panic(err)
		}
		v1, err := newRuleset("v1", deriveV1, []checkDef{checkFMVNotBelowGuideline}, env)
		if err != nil {
			panic(err)
		}
		v11, err := newRuleset("v1.1", deriveV1_1, []checkDef{checkFMVNotBelowGuideline, checkLandNotBelowGuideline}, env)
		if err != nil {
			panic(err)
		}
		defaultRegistry = NewRegistry(v1, v11)
	})
	return defaultRegistry
}

// Get resolves a ruleset by name or any equivalent version spelling
// ("v1", "1.0", "1.0.0").
func (r *Registry) Get(name string) (*Ruleset, error) {
	name = strings.TrimSpace(name)
	v, err := semver.NewVersion(name)
	if err == nil {
		for _, rs := range r.rulesets {
			if rs.Version.Equal(v) {
				return rs, nil
			}
		}
	}
	return nil, utils.NewValidationError("unknown_ruleset", "unknown ruleset version "+name).
		WithDetail("known", r.Names())
}

func (r *Registry) Latest() *Ruleset {
	if len(r.rulesets) == 0 {
		return nil
	}
	return r.rulesets[len(r.rulesets)-1]
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.rulesets))
	for _, rs := range r.rulesets {
		out = append(out, rs.Name)
	}
	return out
}
