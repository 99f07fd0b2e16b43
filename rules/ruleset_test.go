package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, raw string) map[string]any {
	t.Helper()
	m, err := utils.DecodeObject([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestDeriveV1FairMarketValue(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)

	res, err := rs.Derive(payload(t, `{
		"property": {"land_area": 1200},
		"valuation": {"land_value": 2000000, "building_value": 1500000, "depreciation_pct": 10, "guideline_rate": 1500}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "v1", res.RulesetVersion)
	assert.Equal(t, "INR", res.Currency)
	assert.Equal(t, "150000.00", res.Values[BuildingDepreciation])
	assert.Equal(t, "1350000.00", res.Values[BuildingValueNet])
	assert.Equal(t, "3350000.00", res.Values[FairMarketValue])
	assert.Equal(t, "3015000.00", res.Values[RealizableValue])
	assert.Equal(t, "2680000.00", res.Values[DistressValue])
	assert.Equal(t, "1800000.00", res.Values[GuidelineValue])
	require.Len(t, res.Checks, 1)
	assert.Equal(t, CheckPass, res.Checks[0].Status)
}

func TestDeriveMarksInsufficientData(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)

	res, err := rs.Derive(payload(t, `{"valuation": {"building_value": "1500000"}}`))
	require.NoError(t, err)

	fmv, ok := res.Values[FairMarketValue].(Insufficient)
	require.True(t, ok, "fair_market_value should be an insufficient marker, got %#v", res.Values[FairMarketValue])
	assert.Equal(t, StatusInsufficientData, fmv.Status)
	assert.Equal(t, []string{PathDepreciationPct, PathLandValue}, fmv.Missing)

	guideline, ok := res.Values[GuidelineValue].(Insufficient)
	require.True(t, ok)
	assert.Equal(t, []string{PathLandArea, PathGuidelineRate}, guideline.Missing)

	require.Len(t, res.Checks, 1)
	assert.Equal(t, StatusInsufficientData, res.Checks[0].Status)
	assert.Equal(t, []string{FairMarketValue, GuidelineValue}, res.Checks[0].Missing)
}

func TestDeriveRejectsOutOfRangeDepreciation(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)

	res, err := rs.Derive(payload(t, `{"valuation": {"land_value": 1, "building_value": 1, "depreciation_pct": 140}}`))
	require.NoError(t, err)
	marker, ok := res.Values[BuildingValueNet].(Insufficient)
	require.True(t, ok)
	assert.Equal(t, []string{PathDepreciationPct}, marker.Missing)
}

func TestDeriveCurrencyPrecision(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)

	res, err := rs.Derive(payload(t, `{"valuation": {"currency": "jpy", "land_value": 1000.4, "building_value": 333, "depreciation_pct": 10}}`))
	require.NoError(t, err)
	assert.Equal(t, "JPY", res.Currency)
	assert.Equal(t, int32(0), res.Precision)
	assert.Equal(t, "33", res.Values[BuildingDepreciation])
	assert.Equal(t, "1300", res.Values[FairMarketValue])
}

func TestDeriveV11LandFallback(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1.1")
	require.NoError(t, err)

	res, err := rs.Derive(payload(t, `{
		"property": {"land_area": 1000},
		"valuation": {"land_rate": 2000, "building_value": 1000000, "depreciation_pct": 20, "guideline_rate": 1800}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "2000000.00", res.Values[LandValue])
	assert.Equal(t, "land_area_x_land_rate", res.Sources[LandValue])
	assert.Equal(t, "2800000.00", res.Values[FairMarketValue])
	require.Len(t, res.Checks, 2)
	for _, c := range res.Checks {
		assert.Equal(t, CheckPass, c.Status, c.Name)
	}

	v1, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)
	res, err = v1.Derive(payload(t, `{"property": {"land_area": 1000}, "valuation": {"land_rate": 2000}}`))
	require.NoError(t, err)
	_, insufficient := res.Values[LandValue].(Insufficient)
	assert.True(t, insufficient, "v1 has no land fallback")
}

func TestGuidelineCheckFails(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)
	res, err := rs.Derive(payload(t, `{
		"property": {"land_area": 1000},
		"valuation": {"land_value": 100, "building_value": 100, "depreciation_pct": 0, "guideline_rate": 5}
	}`))
	require.NoError(t, err)
	assert.Equal(t, CheckFail, res.Checks[0].Status)
}

func TestRegistryResolution(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"v1", "v1.1"}, reg.Names())
	assert.Equal(t, "v1.1", reg.Latest().Name)

	for _, name := range []string{"v1", "1", "1.0.0", "v1.0"} {
		rs, err := reg.Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, "v1", rs.Name)
	}

	_, err := reg.Get("v9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.NewValidationError("unknown_ruleset", "")))

	_, err = reg.Get("garbage")
	assert.True(t, errors.Is(err, utils.ErrValidation))
}

func TestDeriveProperties(t *testing.T) {
	rs, err := DefaultRegistry().Get("v1")
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fair market value follows land + building x (1 - pct/100)", prop.ForAll(
		func(land, building int64, pct int) bool {
			p := map[string]any{"valuation": map[string]any{
				"land_value":       json.Number(decimal.NewFromInt(land).String()),
				"building_value":   json.Number(decimal.NewFromInt(building).String()),
				"depreciation_pct": json.Number(decimal.NewFromInt(int64(pct)).String()),
			}}
			res, err := rs.Derive(p)
			if err != nil {
				return false
			}
			dep := decimal.NewFromInt(building).Mul(decimal.NewFromInt(int64(pct))).Div(hundred).Round(2)
			want := decimal.NewFromInt(land).Add(decimal.NewFromInt(building)).Sub(dep)
			got, ok := res.Decimal(FairMarketValue)
			return ok && got.Equal(want)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 1_000_000_000),
		gen.IntRange(0, 100),
	))

	properties.Property("derivation is deterministic", prop.ForAll(
		func(land, building int64, pct int) bool {
			p := map[string]any{"valuation": map[string]any{
				"land_value":       json.Number(decimal.NewFromInt(land).String()),
				"building_value":   json.Number(decimal.NewFromInt(building).String()),
				"depreciation_pct": json.Number(decimal.NewFromInt(int64(pct)).String()),
			}}
			a, errA := rs.Derive(p)
			b, errB := rs.Derive(p)
			if errA != nil || errB != nil {
				return false
			}
			ja, _ := utils.CanonicalJSON(a)
			jb, _ := utils.CanonicalJSON(b)
			return string(ja) == string(jb)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 1_000_000_000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
