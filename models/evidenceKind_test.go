package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvidenceKind(t *testing.T) {
	k, err := ParseEvidenceKind("document", " sale_deed")
	require.NoError(t, err)
	assert.Equal(t, EvidenceTypeDocument, k.Type())
	assert.Equal(t, DocTypeSaleDeed, k.DocType())
	assert.Equal(t, "DOCUMENT/SALE_DEED", k.String())

	_, err = ParseEvidenceKind("PHOTO", "SALE_DEED")
	assert.Error(t, err, "doc type belongs to another evidence type")

	_, err = ParseEvidenceKind("VIDEO", "EXTERIOR")
	assert.Error(t, err)

	_, err = ParseEvidenceKindString("PHOTO")
	assert.Error(t, err)
}

func TestEvidenceKindJSON(t *testing.T) {
	k := MustEvidenceKind(EvidenceTypeGeoTag, DocTypeSiteCoordinates)
	raw, err := json.Marshal(k)
	require.NoError(t, err)
	assert.Equal(t, `"GEO_TAG/SITE_COORDINATES"`, string(raw))

	var back EvidenceKind
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, k, back)

	assert.Error(t, json.Unmarshal([]byte(`"GEO_TAG/EXTERIOR"`), &back))
}

func TestEvidenceKindSQL(t *testing.T) {
	k := MustEvidenceKind(EvidenceTypeScreenshot, DocTypeGuidelineRate)
	v, err := k.Value()
	require.NoError(t, err)
	assert.Equal(t, "SCREENSHOT/GUIDELINE_RATE", v)

	var scanned EvidenceKind
	require.NoError(t, scanned.Scan([]byte("SCREENSHOT/GUIDELINE_RATE")))
	assert.Equal(t, k, scanned)
	assert.Error(t, scanned.Scan(42))

	var zero EvidenceKind
	v, err = zero.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestAllEvidenceKindsIsStable(t *testing.T) {
	kinds := AllEvidenceKinds()
	assert.Len(t, kinds, 16)
	assert.Equal(t, "DOCUMENT/SALE_DEED", kinds[0].String())
	assert.Equal(t, kinds, AllEvidenceKinds())
}

func TestJobKind(t *testing.T) {
	k, err := ParseJobKind("ocr_fields")
	require.NoError(t, err)
	assert.Equal(t, JobKindOCRFields, k)
	assert.True(t, k.IsSourceOfTruth())
	assert.True(t, k.Accepts(EvidenceTypeDocument))
	assert.False(t, k.Accepts(EvidenceTypePhoto))

	assert.False(t, JobKindOCRText.IsSourceOfTruth())
	assert.True(t, JobKindOCRText.Accepts(EvidenceTypePhoto))

	_, err = ParseJobKind("TRANSLATE")
	assert.Error(t, err)

	var scanned JobKind
	require.NoError(t, scanned.Scan("OCR_TEXT"))
	assert.Equal(t, JobKindOCRText, scanned)
}
