package workflow

import (
	"context"
	"sort"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const BundleSchemaVersion = "repogen.export/v1"

// ExportBundle is the renderer's only input. It carries no statuses or
// timestamps so that it changes only when the contract or evidence does.
type ExportBundle struct {
	SchemaVersion string            `json:"schema_version"`
	WorkOrder     BundleWorkOrder   `json:"work_order"`
	Snapshot      BundleSnapshot    `json:"snapshot"`
	Payload       map[string]any    `json:"payload"`
	Derived       map[string]any    `json:"derived"`
	Evidence      []BundleEvidence  `json:"evidence"`
	FieldLinks    []BundleFieldLink `json:"field_links"`
}

type BundleWorkOrder struct {
	Id          string `json:"id"`
	TenantId    string `json:"tenant_id"`
	SourceType  string `json:"source_type"`
	ReportType  string `json:"report_type"`
	BankType    string `json:"bank_type"`
	BankRef     string `json:"bank_ref"`
	BranchRef   string `json:"branch_ref"`
	ClientRef   string `json:"client_ref"`
	TemplateKey string `json:"template_key"`
}

type BundleSnapshot struct {
	Id             string `json:"id"`
	Version        int    `json:"version"`
	RulesetVersion string `json:"ruleset_version"`
}

type BundleEvidence struct {
	Id            string            `json:"id"`
	Kind          string            `json:"kind"`
	EvidenceType  string            `json:"evidence_type"`
	DocType       string            `json:"doc_type"`
	FileRef       string            `json:"file_ref"`
	Tags          map[string]string `json:"tags"`
	AnnexureOrder int               `json:"annexure_order"`
	SupersedesId  string            `json:"supersedes_id,omitempty"`
}

type BundleFieldLink struct {
	FieldPath      string `json:"field_path"`
	EvidenceItemId string `json:"evidence_item_id"`
	Confidence     string `json:"confidence"`
}

// Canonical returns the RFC 8785 bytes of the bundle and their sha256.
func (b *ExportBundle) Canonical() ([]byte, string, error) {
	raw, err := utils.CanonicalJSON(b)
	if err != nil {
		return nil, "", err
	}
	return raw, utils.SHA256Hex(raw), nil
}

// ExportBundle assembles the bundle for the latest snapshot. Calling it twice
// with no writes in between yields identical bytes.
func (e *Engine) ExportBundle(ctx context.Context, workOrderId uuid.UUID) (bundle *ExportBundle, err error) {
	ctx, span := e.startSpan(ctx, "ExportBundle", workOrderId)
	defer func() { endSpan(span, err) }()

	wo, err := models.GetWorkOrder(ctx, e.DB, workOrderId)
	if err != nil {
		return nil, err
	}
	snapshot, err := models.LatestSnapshot(ctx, e.DB, wo.ID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, errContractMissing(wo)
	}
	return buildBundle(ctx, e.DB, wo, snapshot)
}

func errContractMissing(wo *models.WorkOrder) error {
	return utils.NewPreconditionFailed("contract_missing", "work order has no contract snapshot", map[string]any{
		"work_order_id": wo.ID.String(),
	})
}

// buildBundle reads through db, which may be a locked tx.
func buildBundle(ctx context.Context, db *gorm.DB, wo *models.WorkOrder, snapshot *models.ContractSnapshot) (*ExportBundle, error) {
	payload, err := snapshot.PayloadMap()
	if err != nil {
		return nil, err
	}
	derived, err := snapshot.DerivedMap()
	if err != nil {
		return nil, err
	}
	items, err := models.ListEvidence(ctx, db, wo.ID)
	if err != nil {
		return nil, err
	}
	links, err := models.ListFieldLinks(ctx, db, wo.ID, snapshot.Version)
	if err != nil {
		return nil, err
	}
	return assembleBundle(wo, snapshot, payload, derived, items, links), nil
}

func assembleBundle(wo *models.WorkOrder, snapshot *models.ContractSnapshot, payload, derived map[string]any, items []*models.EvidenceItem, links []*models.FieldEvidenceLink) *ExportBundle {
	b := &ExportBundle{
		SchemaVersion: BundleSchemaVersion,
		WorkOrder: BundleWorkOrder{
			Id:          wo.ID.String(),
			TenantId:    wo.TenantId,
			SourceType:  wo.SourceType,
			ReportType:  wo.ReportType,
			BankType:    wo.BankType,
			BankRef:     wo.BankRef,
			BranchRef:   wo.BranchRef,
			ClientRef:   wo.ClientRef,
			TemplateKey: wo.TemplateKey,
		},
		Snapshot: BundleSnapshot{
			Id:             snapshot.ID.String(),
			Version:        snapshot.Version,
			RulesetVersion: snapshot.RulesetVersion,
		},
		Payload:    payload,
		Derived:    derived,
		Evidence:   []BundleEvidence{},
		FieldLinks: []BundleFieldLink{},
	}
	for _, it := range models.ActiveEvidence(items) {
		be := BundleEvidence{
			Id:            it.ID.String(),
			Kind:          it.Kind.String(),
			EvidenceType:  string(it.Kind.Type()),
			DocType:       string(it.Kind.DocType()),
			FileRef:       it.FileRef,
			Tags:          it.Tags.Data(),
			AnnexureOrder: it.AnnexureOrder,
		}
		if be.Tags == nil {
			be.Tags = map[string]string{}
		}
		if it.SupersedesId != nil {
			be.SupersedesId = it.SupersedesId.String()
		}
		b.Evidence = append(b.Evidence, be)
	}
	for _, l := range links {
		if l.SnapshotId != snapshot.ID {
			continue
		}
		b.FieldLinks = append(b.FieldLinks, BundleFieldLink{
			FieldPath:      l.FieldPath,
			EvidenceItemId: l.EvidenceItemId.String(),
			Confidence:     l.Confidence.StringFixed(3),
		})
	}
	sort.Slice(b.FieldLinks, func(i, j int) bool {
		if b.FieldLinks[i].FieldPath != b.FieldLinks[j].FieldPath {
			return b.FieldLinks[i].FieldPath < b.FieldLinks[j].FieldPath
		}
		return b.FieldLinks[i].EvidenceItemId < b.FieldLinks[j].EvidenceItemId
	})
	return b
}
