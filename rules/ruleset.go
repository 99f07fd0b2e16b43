package rules

import (
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

const StatusInsufficientData = "insufficient_data"

// Derived value names.
const (
	LandValue            = "land_value"
	BuildingDepreciation = "building_depreciation"
	BuildingValueNet     = "building_value_net"
	FairMarketValue      = "fair_market_value"
	RealizableValue      = "realizable_value"
	DistressValue        = "distress_value"
	GuidelineValue       = "guideline_value"
)

var (
	hundred          = decimal.NewFromInt(100)
	realizableFactor = decimal.RequireFromString("0.90")
	distressFactor   = decimal.RequireFromString("0.80")
)

// Insufficient marks a value that could not be derived.
type Insufficient struct {
	Status  string   `json:"status"`
	Missing []string `json:"missing"`
}

type CheckResult struct {
	Name       string   `json:"name"`
	Expression string   `json:"expression"`
	Status     string   `json:"status"`
	Missing    []string `json:"missing,omitempty"`
}

// Result is what gets stored as a snapshot's derived document. Values holds
// either a decimal string or an Insufficient marker per name.
type Result struct {
	RulesetVersion string            `json:"ruleset_version"`
	Currency       string            `json:"currency"`
	Precision      int32             `json:"precision"`
	Values         map[string]any    `json:"values"`
	Checks         []CheckResult     `json:"checks"`
	Sources        map[string]string `json:"sources,omitempty"`
}

// Decimal returns a derived value when it was computed.
func (r Result) Decimal(name string) (decimal.Decimal, bool) {
	s, ok := r.Values[name].(string)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	return d, err == nil
}

type derivation func(in *inputs, out *computation)

type Ruleset struct {
	Name    string
	Version *semver.Version
	derive  derivation
	checks  []*check
}

// computation collects derived values during a single Derive call.
type computation struct {
	precision int32
	values    map[string]decimal.Decimal
	missing   map[string][]string
	sources   map[string]string
}

func (c *computation) set(name string, v decimal.Decimal) {
	c.values[name] = v.Round(c.precision)
}

func (c *computation) insufficient(name string, missing []string) {
	c.missing[name] = missing
}

func (c *computation) get(name string) (decimal.Decimal, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Derive computes derived values for a payload. It is pure: the same payload
// and ruleset always produce the same Result.
func (rs *Ruleset) Derive(payload map[string]any) (Result, error) {
	in := newInputs(payload)
	currency := in.text(PathCurrency, DefaultCurrency)
	comp := &computation{
		precision: precisionFor(currency),
		values:    map[string]decimal.Decimal{},
		missing:   map[string][]string{},
		sources:   map[string]string{},
	}
	rs.derive(in, comp)

	res := Result{
		RulesetVersion: rs.Name,
		Currency:       currency,
		Precision:      comp.precision,
		Values:         map[string]any{},
		Checks:         []CheckResult{},
	}
	for name, v := range comp.values {
		res.Values[name] = v.StringFixed(comp.precision)
	}
	for name, missing := range comp.missing {
		res.Values[name] = Insufficient{Status: StatusInsufficientData, Missing: missing}
	}
	if len(comp.sources) > 0 {
		res.Sources = comp.sources
	}
	for _, c := range rs.checks {
		cr, err := c.evaluate(comp)
		if err != nil {
			return Result{}, err
		}
		res.Checks = append(res.Checks, cr)
	}
	return res, nil
}

func mergeMissing(lists ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, l := range lists {
		for _, p := range l {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// deriveBuilding fills depreciation and net building value.
func deriveBuilding(in *inputs, out *computation) {
	missing := in.need(PathBuildingValue, PathDepreciationPct)
	if len(missing) > 0 {
		out.insufficient(BuildingDepreciation, missing)
		out.insufficient(BuildingValueNet, missing)
		return
	}
	building, _ := in.number(PathBuildingValue)
	pct, _ := in.number(PathDepreciationPct)
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		out.insufficient(BuildingDepreciation, []string{PathDepreciationPct})
		out.insufficient(BuildingValueNet, []string{PathDepreciationPct})
		return
	}
	dep := building.Mul(pct).Div(hundred).Round(out.precision)
	out.set(BuildingDepreciation, dep)
	out.set(BuildingValueNet, building.Sub(dep))
}

// deriveMarketValues needs land_value and building_value_net to be settled.
func deriveMarketValues(in *inputs, out *computation, landMissing []string) {
	land, landOK := out.get(LandValue)
	net, netOK := out.get(BuildingValueNet)
	if !landOK || !netOK {
		missing := mergeMissing(landMissing, out.missing[BuildingValueNet])
		for _, name := range []string{FairMarketValue, RealizableValue, DistressValue} {
			out.insufficient(name, missing)
		}
		return
	}
	fmv := land.Add(net)
	out.set(FairMarketValue, fmv)
	out.set(RealizableValue, fmv.Mul(realizableFactor))
	out.set(DistressValue, fmv.Mul(distressFactor))
}

func deriveGuideline(in *inputs, out *computation) {
	missing := in.need(PathLandArea, PathGuidelineRate)
	if len(missing) > 0 {
		out.insufficient(GuidelineValue, missing)
		return
	}
	area, _ := in.number(PathLandArea)
	rate, _ := in.number(PathGuidelineRate)
	out.set(GuidelineValue, area.Mul(rate))
}

// v1: fair market value = land + building x (1 - depreciation% / 100).
func deriveV1(in *inputs, out *computation) {
	var landMissing []string
	if land, ok := in.number(PathLandValue); ok {
		out.set(LandValue, land)
		out.sources[LandValue] = "input"
	} else {
		landMissing = []string{PathLandValue}
		out.insufficient(LandValue, landMissing)
	}
	deriveBuilding(in, out)
	deriveMarketValues(in, out, landMissing)
	deriveGuideline(in, out)
}

// v1.1 falls back to land_area x land_rate when land_value is not given.
func deriveV1_1(in *inputs, out *computation) {
	var landMissing []string
	if land, ok := in.number(PathLandValue); ok {
		out.set(LandValue, land)
		out.sources[LandValue] = "input"
	} else if missing := in.need(PathLandArea, PathLandRate); len(missing) == 0 {
		area, _ := in.number(PathLandArea)
		rate, _ := in.number(PathLandRate)
		out.set(LandValue, area.Mul(rate))
		out.sources[LandValue] = "land_area_x_land_rate"
	} else {
		landMissing = mergeMissing([]string{PathLandValue}, missing)
		out.insufficient(LandValue, landMissing)
	}
	deriveBuilding(in, out)
	deriveMarketValues(in, out, landMissing)
	deriveGuideline(in, out)
}

func newRuleset(name string, derive derivation, checks []checkDef, env *cel.Env) (*Ruleset, error) {
	v, err := semver.NewVersion(name)
	if err != nil {
		return nil, err
	}
	rs := &Ruleset{Name: name, Version: v, derive: derive}
	for _, def := range checks {
		c, err := compileCheck(env, def)
		if err != nil {
			return nil, err
		}
		rs.checks = append(rs.checks, c)
	}
	return rs, nil
}
