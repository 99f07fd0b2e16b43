package workflow

import (
	"bytes"
	"math/rand"
	"testing"

	"bitbucket.org/mmdatafocus/repogen/models"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type bundleFixture struct {
	wo       *models.WorkOrder
	snapshot *models.ContractSnapshot
	payload  map[string]any
	derived  map[string]any
	items    []*models.EvidenceItem
	links    []*models.FieldEvidenceLink
}

func newBundleFixture(t *testing.T) bundleFixture {
	t.Helper()
	wo := &models.WorkOrder{
		ID:          uuid.MustParse("2b1f9a4e-6f0e-4a53-9a52-6f0c3a1d0001"),
		TenantId:    "tenant-a",
		SourceType:  "BANK",
		ReportType:  "LAP",
		BankType:    "PSU",
		TemplateKey: "psu-lap",
	}
	snapshot := &models.ContractSnapshot{ID: uuid.MustParse("2b1f9a4e-6f0e-4a53-9a52-6f0c3a1d0002"), WorkOrderId: wo.ID, Version: 3, RulesetVersion: "v1"}
	deed := &models.EvidenceItem{
		ID:            uuid.MustParse("2b1f9a4e-6f0e-4a53-9a52-6f0c3a1d0010"),
		WorkOrderId:   wo.ID,
		Kind:          models.MustEvidenceKind(models.EvidenceTypeDocument, models.DocTypeSaleDeed),
		FileRef:       "gs://bucket/deed-v1.pdf",
		Tags:          datatypes.NewJSONType(map[string]string{"page": "1"}),
		AnnexureOrder: 2,
	}
	deedV2 := &models.EvidenceItem{
		ID:            uuid.MustParse("2b1f9a4e-6f0e-4a53-9a52-6f0c3a1d0011"),
		WorkOrderId:   wo.ID,
		Kind:          models.MustEvidenceKind(models.EvidenceTypeDocument, models.DocTypeSaleDeed),
		FileRef:       "gs://bucket/deed-v2.pdf",
		AnnexureOrder: 4,
		SupersedesId:  &deed.ID,
	}
	photo := &models.EvidenceItem{
		ID:            uuid.MustParse("2b1f9a4e-6f0e-4a53-9a52-6f0c3a1d0012"),
		WorkOrderId:   wo.ID,
		Kind:          models.MustEvidenceKind(models.EvidenceTypePhoto, models.DocTypeExterior),
		FileRef:       "gs://bucket/front.jpg",
		AnnexureOrder: 1,
	}
	links := []*models.FieldEvidenceLink{
		{SnapshotId: snapshot.ID, SnapshotVersion: 3, FieldPath: "valuation.land_value", EvidenceItemId: deedV2.ID, Confidence: decimal.RequireFromString("0.9")},
		{SnapshotId: snapshot.ID, SnapshotVersion: 3, FieldPath: "property.address", EvidenceItemId: photo.ID, Confidence: decimal.RequireFromString("1")},
		{SnapshotId: uuid.New(), SnapshotVersion: 2, FieldPath: "property.address", EvidenceItemId: deed.ID, Confidence: decimal.RequireFromString("1")},
	}
	return bundleFixture{
		wo:       wo,
		snapshot: snapshot,
		payload:  map[string]any{"valuation": map[string]any{"land_value": "2000000"}},
		derived:  map[string]any{"fair_market_value": "3350000.00"},
		items:    []*models.EvidenceItem{deed, deedV2, photo},
		links:    links,
	}
}

func (f bundleFixture) assemble(items []*models.EvidenceItem, links []*models.FieldEvidenceLink) *ExportBundle {
	return assembleBundle(f.wo, f.snapshot, f.payload, f.derived, items, links)
}

func TestAssembleBundle(t *testing.T) {
	f := newBundleFixture(t)
	b := f.assemble(f.items, f.links)

	assert.Equal(t, BundleSchemaVersion, b.SchemaVersion)
	assert.Equal(t, 3, b.Snapshot.Version)
	require.Len(t, b.Evidence, 2, "superseded deed is left out")
	assert.Equal(t, "gs://bucket/front.jpg", b.Evidence[0].FileRef)
	assert.Equal(t, "gs://bucket/deed-v2.pdf", b.Evidence[1].FileRef)
	assert.Equal(t, f.items[0].ID.String(), b.Evidence[1].SupersedesId)
	assert.Equal(t, map[string]string{}, b.Evidence[0].Tags)

	require.Len(t, b.FieldLinks, 2, "links of other snapshot versions are left out")
	assert.Equal(t, "property.address", b.FieldLinks[0].FieldPath)
	assert.Equal(t, "1.000", b.FieldLinks[0].Confidence)
	assert.Equal(t, "0.900", b.FieldLinks[1].Confidence)
}

func TestBundleCanonicalIsStable(t *testing.T) {
	f := newBundleFixture(t)
	raw1, digest1, err := f.assemble(f.items, f.links).Canonical()
	require.NoError(t, err)
	raw2, digest2, err := f.assemble(f.items, f.links).Canonical()
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)
	assert.Equal(t, digest1, digest2)
	assert.Len(t, digest1, 64)
	assert.True(t, bytes.HasPrefix(raw1, []byte(`{"derived":`)), "keys are sorted")
}

func TestBundleIgnoresInputOrder(t *testing.T) {
	f := newBundleFixture(t)
	want, _, err := f.assemble(f.items, f.links).Canonical()
	require.NoError(t, err)

	properties := gopter.NewProperties(nil)
	properties.Property("same bytes for any evidence and link order", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			items := append([]*models.EvidenceItem(nil), f.items...)
			links := append([]*models.FieldEvidenceLink(nil), f.links...)
			r.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
			r.Shuffle(len(links), func(i, j int) { links[i], links[j] = links[j], links[i] })
			got, _, err := f.assemble(items, links).Canonical()
			return err == nil && bytes.Equal(want, got)
		},
		gen.Int64(),
	))
	properties.TestingRun(t)
}

func TestBuildAnnexure(t *testing.T) {
	f := newBundleFixture(t)
	b := f.assemble(f.items, f.links)
	file, err := BuildAnnexure(b, "deadbeef")
	require.NoError(t, err)
	defer file.Close()

	assert.Equal(t, []string{annexureSummarySheet, annexureEvidenceSheet, annexureDerivedSheet}, file.GetSheetList())

	v, err := file.GetCellValue(annexureSummarySheet, "B11")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", v)

	rows, err := file.GetRows(annexureEvidenceSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "No.", rows[0][0])
	assert.Equal(t, "gs://bucket/front.jpg", rows[1][3])
	assert.Equal(t, "property.address", rows[1][5])
	assert.Equal(t, "SALE_DEED", rows[2][2])

	derived, err := file.GetRows(annexureDerivedSheet)
	require.NoError(t, err)
	require.Len(t, derived, 2)
	assert.Equal(t, []string{"fair_market_value", "3350000.00"}, derived[1])

	var buf bytes.Buffer
	require.NoError(t, file.Write(&buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")))
}

func TestFlattenInto(t *testing.T) {
	var got []string
	flattenInto("", map[string]any{
		"b": map[string]any{"y": 1, "x": 2},
		"a": "v",
	}, func(path string, v any) { got = append(got, path) })
	assert.Equal(t, []string{"a", "b.x", "b.y"}, got)
}
