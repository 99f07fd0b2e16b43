package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfileSeedParses(t *testing.T) {
	profiles, err := ParseProfileSeed(DefaultProfileSeed())
	require.NoError(t, err)
	require.NotEmpty(t, profiles)

	def := profiles[0]
	assert.Equal(t, AnyValue, def.ReportType)
	assert.Equal(t, AnyValue, def.BankType)
	assert.Equal(t, "0.8", def.MinCompleteness.String())
	assert.Equal(t, []string{"valuation.land_value", "valuation.building_value", "property.land_area"}, def.RequiredFields.Data())
	require.Len(t, def.Items, 6)
	assert.Equal(t, "exterior_photos", def.Items[0].Code)
	assert.Equal(t, 2, def.Items[0].MinCount)
	assert.Equal(t, DocTypeExterior, def.Items[0].DocType)
	assert.Equal(t, 5, def.Items[5].SortOrder)
}

func TestParseProfileSeedRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate pair": `
profiles:
  - {report_type: LAP, bank_type: "*", min_completeness: "0.5"}
  - {report_type: lap, bank_type: "*", min_completeness: "0.6"}
`,
		"score above one": `
profiles:
  - {report_type: LAP, bank_type: PSU, min_completeness: "1.5"}
`,
		"doc type of another evidence type": `
profiles:
  - report_type: LAP
    bank_type: PSU
    min_completeness: "0.5"
    checklist:
      - {code: deed, evidence_type: PHOTO, doc_type: SALE_DEED}
`,
		"duplicate code": `
profiles:
  - report_type: LAP
    bank_type: PSU
    min_completeness: "0.5"
    checklist:
      - {code: a, evidence_type: PHOTO}
      - {code: a, evidence_type: DOCUMENT}
`,
		"missing bank type": `
profiles:
  - {report_type: LAP, min_completeness: "0.5"}
`,
	}
	for name, doc := range cases {
		_, err := ParseProfileSeed([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestParseProfileSeedDefaults(t *testing.T) {
	profiles, err := ParseProfileSeed([]byte(`
profiles:
  - report_type: lap
    bank_type: psu
    min_completeness: "0.75"
    checklist:
      - {code: any_photo, evidence_type: photo}
`))
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	p := profiles[0]
	assert.Equal(t, "LAP|PSU", p.Name)
	require.Len(t, p.Items, 1)
	assert.Equal(t, 1, p.Items[0].MinCount)
	assert.Equal(t, DocType(""), p.Items[0].DocType)
	assert.True(t, p.Items[0].Matches(MustEvidenceKind(EvidenceTypePhoto, DocTypeBoundary)))
	assert.False(t, p.Items[0].Matches(MustEvidenceKind(EvidenceTypeDocument, DocTypeKhata)))
}
