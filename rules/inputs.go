package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/shopspring/decimal"
)

const (
	PathLandValue       = "valuation.land_value"
	PathBuildingValue   = "valuation.building_value"
	PathDepreciationPct = "valuation.depreciation_pct"
	PathCurrency        = "valuation.currency"
	PathGuidelineRate   = "valuation.guideline_rate"
	PathLandRate        = "valuation.land_rate"
	PathLandArea        = "property.land_area"
)

const DefaultCurrency = "INR"

// minor unit digits per ISO 4217 code; anything unlisted uses 2.
var currencyPrecision = map[string]int32{
	"INR": 2, "USD": 2, "EUR": 2, "GBP": 2, "AED": 2, "SGD": 2, "MMK": 2,
	"JPY": 0, "KRW": 0,
	"BHD": 3, "KWD": 3, "OMR": 3,
}

func precisionFor(currency string) int32 {
	if p, ok := currencyPrecision[currency]; ok {
		return p
	}
	return 2
}

// inputs reads numeric fields out of a payload and remembers which were
// missing or unparseable, so derivations can name them.
type inputs struct {
	payload map[string]any
	values  map[string]decimal.Decimal
	missing map[string]bool
}

func newInputs(payload map[string]any) *inputs {
	return &inputs{payload: payload, values: map[string]decimal.Decimal{}, missing: map[string]bool{}}
}

func (in *inputs) number(path string) (decimal.Decimal, bool) {
	if v, ok := in.values[path]; ok {
		return v, true
	}
	raw, ok := utils.LookupPath(in.payload, path)
	if !ok || raw == nil {
		in.missing[path] = true
		return decimal.Zero, false
	}
	d, err := toDecimal(raw)
	if err != nil {
		in.missing[path] = true
		return decimal.Zero, false
	}
	in.values[path] = d
	return d, true
}

func (in *inputs) text(path, def string) string {
	raw, ok := utils.LookupPath(in.payload, path)
	if !ok {
		return def
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// need returns the subset of paths that are missing, sorted.
func (in *inputs) need(paths ...string) []string {
	out := []string{}
	for _, p := range paths {
		if _, ok := in.number(p); !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(strings.ReplaceAll(t, ",", "")))
	case float64:
		return decimal.NewFromFloat(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case decimal.Decimal:
		return t, nil
	default:
		return decimal.Zero, fmt.Errorf("not a number: %T", v)
	}
}
