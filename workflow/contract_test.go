package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, raw string) map[string]any {
	t.Helper()
	m, err := utils.DecodeObject([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestValidateContractDocumentAccepts(t *testing.T) {
	docs := []string{
		`{}`,
		`{"valuation": {"land_value": 2000000, "building_value": "1,500,000", "depreciation_pct": 10}}`,
		`{"valuation": {"depreciation_pct": "12.5", "currency": "inr"}}`,
		`{"property": {"land_area": null, "latitude": 12.97, "longitude": 77.59, "address": "12 MG Road"}}`,
		`{"manual_fields": {"remarks": "ok", "anything": [1, 2]}}`,
	}
	for _, raw := range docs {
		assert.NoError(t, ValidateContractDocument(decodeDoc(t, raw)), raw)
	}
}

func TestValidateContractDocumentRejects(t *testing.T) {
	docs := map[string]string{
		"unknown section":     `{"owner": {"name": "x"}}`,
		"negative value":      `{"valuation": {"land_value": -5}}`,
		"depreciation >100":   `{"valuation": {"depreciation_pct": 120}}`,
		"non numeric string":  `{"valuation": {"building_value": "lots"}}`,
		"bad currency":        `{"valuation": {"currency": "RUPEES"}}`,
		"latitude off globe":  `{"property": {"latitude": 91}}`,
		"section not object":  `{"valuation": 10}`,
	}
	for name, raw := range docs {
		err := ValidateContractDocument(decodeDoc(t, raw))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, &utils.Error{Kind: utils.KindValidation, Code: "invalid_contract"}), name)
	}
}

func TestValidateContractDocumentListsCauses(t *testing.T) {
	err := ValidateContractDocument(decodeDoc(t, `{"valuation": {"land_value": -1}}`))
	var typed *utils.Error
	require.True(t, errors.As(err, &typed))
	causes, ok := typed.Details["errors"].([]map[string]string)
	require.True(t, ok)
	require.NotEmpty(t, causes)
	found := false
	for _, c := range causes {
		if c["path"] == "/valuation/land_value" {
			found = true
		}
	}
	assert.True(t, found, "%v", causes)
}

func TestNextContractPayload(t *testing.T) {
	merged, version, err := nextContractPayload(nil, map[string]any{"property": map[string]any{"land_area": 1200}})
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, map[string]any{"property": map[string]any{"land_area": 1200}}, merged)

	properties := gopter.NewProperties(nil)
	properties.Property("each patch takes the next version and keeps omitted fields", prop.ForAll(
		func(current int, landValue int64) bool {
			prev := &models.ContractSnapshot{
				Version: current,
				Payload: []byte(`{"valuation":{"land_value":1,"building_value":2},"property":{"land_area":3}}`),
			}
			merged, version, err := nextContractPayload(prev, map[string]any{"valuation": map[string]any{"land_value": landValue}})
			if err != nil || version != current+1 {
				return false
			}
			valuation := merged["valuation"].(map[string]any)
			property := merged["property"].(map[string]any)
			return valuation["land_value"] == landValue &&
				valuation["building_value"] == json.Number("2") &&
				property["land_area"] == json.Number("3")
		},
		gen.IntRange(1, 10_000),
		gen.Int64Range(0, 1_000_000_000),
	))
	properties.TestingRun(t)

	_, _, err = nextContractPayload(&models.ContractSnapshot{Version: 1, Payload: []byte(`[1]`)}, nil)
	assert.Error(t, err)
}
