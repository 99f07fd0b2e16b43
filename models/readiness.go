package models

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const WarningMissingFieldLinks = "missing_field_evidence_links"

type CategoryReadiness struct {
	Code               string       `json:"code"`
	EvidenceType       EvidenceType `json:"evidence_type"`
	DocType            DocType      `json:"doc_type,omitempty"`
	MinCount           int          `json:"min_count"`
	Count              int          `json:"count"`
	Required           bool         `json:"required"`
	RequiresExtraction bool         `json:"requires_extraction"`
	Satisfied          bool         `json:"satisfied"`
}

// ReadinessResult is derived on demand and never stored.
type ReadinessResult struct {
	WorkOrderId               uuid.UUID           `json:"work_order_id"`
	ProfileId                 int                 `json:"profile_id"`
	ProfileReportType         string              `json:"profile_report_type"`
	ProfileBankType           string              `json:"profile_bank_type"`
	SnapshotVersion           int                 `json:"snapshot_version"`
	CompletenessScore         decimal.Decimal     `json:"completeness_score"`
	MinCompleteness           decimal.Decimal     `json:"min_completeness"`
	MissingCategories         []string            `json:"missing_categories"`
	MissingRequiredCategories []string            `json:"missing_required_categories"`
	MissingFieldLinks         []string            `json:"missing_field_evidence_links"`
	FieldLinksMandatory       bool                `json:"field_links_mandatory"`
	Categories                []CategoryReadiness `json:"categories"`
	Warnings                  []string            `json:"warnings"`
	Ready                     bool                `json:"ready"`
}

type ReadinessInput struct {
	WorkOrderId uuid.UUID
	Profile     *EvidenceProfile
	// Evidence is every item of the work order; superseded items are dropped here.
	Evidence []*EvidenceItem
	// Extracted holds items with a DONE source-of-truth enrichment job.
	Extracted map[uuid.UUID]bool
	// SnapshotVersion is the latest version, 0 when there is no snapshot.
	SnapshotVersion int
	FieldLinks      []*FieldEvidenceLink
}

// ComputeReadiness scores evidence completeness against a profile. It is a
// pure function of its input.
func ComputeReadiness(in ReadinessInput) ReadinessResult {
	p := in.Profile
	res := ReadinessResult{
		WorkOrderId:               in.WorkOrderId,
		ProfileId:                 p.ID,
		ProfileReportType:         p.ReportType,
		ProfileBankType:           p.BankType,
		SnapshotVersion:           in.SnapshotVersion,
		MinCompleteness:           p.MinCompleteness,
		MissingCategories:         []string{},
		MissingRequiredCategories: []string{},
		MissingFieldLinks:         []string{},
		FieldLinksMandatory:       p.FieldLinksMandatory,
		Categories:                []CategoryReadiness{},
		Warnings:                  []string{},
	}

	active := ActiveEvidence(in.Evidence)
	satisfied := 0
	for _, c := range p.Items {
		count := 0
		for _, it := range active {
			if !c.Matches(it.Kind) {
				continue
			}
			if c.RequiresExtraction && !in.Extracted[it.ID] {
				continue
			}
			count++
		}
		cr := CategoryReadiness{
			Code:               c.Code,
			EvidenceType:       c.EvidenceType,
			DocType:            c.DocType,
			MinCount:           c.MinCount,
			Count:              count,
			Required:           c.Required,
			RequiresExtraction: c.RequiresExtraction,
			Satisfied:          count >= c.MinCount,
		}
		if cr.Satisfied {
			satisfied++
		} else {
			res.MissingCategories = append(res.MissingCategories, c.Code)
			if c.Required {
				res.MissingRequiredCategories = append(res.MissingRequiredCategories, c.Code)
			}
		}
		res.Categories = append(res.Categories, cr)
	}

	if len(p.Items) == 0 {
		res.CompletenessScore = decimal.NewFromInt(1)
	} else {
		res.CompletenessScore = decimal.NewFromInt(int64(satisfied)).DivRound(decimal.NewFromInt(int64(len(p.Items))), 4)
	}

	linked := map[string]bool{}
	for _, l := range in.FieldLinks {
		if in.SnapshotVersion > 0 && l.SnapshotVersion == in.SnapshotVersion {
			linked[l.FieldPath] = true
		}
	}
	for _, f := range p.RequiredFields.Data() {
		if !linked[f] {
			res.MissingFieldLinks = append(res.MissingFieldLinks, f)
		}
	}
	sort.Strings(res.MissingFieldLinks)
	if len(res.MissingFieldLinks) > 0 && !p.FieldLinksMandatory {
		res.Warnings = append(res.Warnings, WarningMissingFieldLinks)
	}

	res.Ready = res.CompletenessScore.GreaterThanOrEqual(p.MinCompleteness) &&
		len(res.MissingRequiredCategories) == 0 &&
		(!p.FieldLinksMandatory || len(res.MissingFieldLinks) == 0)
	return res
}

// BlockingDetails is what a blocked readiness gate reports to the caller.
func (r ReadinessResult) BlockingDetails() map[string]any {
	return map[string]any{
		"completeness_score":           r.CompletenessScore.String(),
		"min_completeness":             r.MinCompleteness.String(),
		"missing_categories":           r.MissingCategories,
		"missing_required_categories":  r.MissingRequiredCategories,
		"missing_field_evidence_links": r.MissingFieldLinks,
		"field_links_mandatory":        r.FieldLinksMandatory,
	}
}
