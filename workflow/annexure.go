package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const AnnexureContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	annexureSummarySheet  = "Summary"
	annexureEvidenceSheet = "Evidence"
	annexureDerivedSheet  = "Derived"
)

// ExportAnnexure writes the annexure workbook for the latest snapshot and
// returns the digest of the bundle it was built from.
func (e *Engine) ExportAnnexure(ctx context.Context, workOrderId uuid.UUID, w io.Writer) (string, error) {
	bundle, err := e.ExportBundle(ctx, workOrderId)
	if err != nil {
		return "", err
	}
	_, digest, err := bundle.Canonical()
	if err != nil {
		return "", err
	}
	f, err := BuildAnnexure(bundle, digest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return "", err
	}
	return digest, nil
}

// BuildAnnexure lays out the evidence index and derived values of a bundle.
// Evidence rows keep bundle order, which is annexure order.
func BuildAnnexure(bundle *ExportBundle, digest string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", annexureSummarySheet); err != nil {
		return nil, err
	}
	for _, name := range []string{annexureEvidenceSheet, annexureDerivedSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	summary := [][]any{
		{"Work order", bundle.WorkOrder.Id},
		{"Report type", bundle.WorkOrder.ReportType},
		{"Bank type", bundle.WorkOrder.BankType},
		{"Bank ref", bundle.WorkOrder.BankRef},
		{"Branch ref", bundle.WorkOrder.BranchRef},
		{"Client ref", bundle.WorkOrder.ClientRef},
		{"Snapshot version", bundle.Snapshot.Version},
		{"Ruleset", bundle.Snapshot.RulesetVersion},
		{"Evidence items", len(bundle.Evidence)},
		{"Bundle schema", bundle.SchemaVersion},
		{"Bundle sha256", digest},
	}
	if err := writeRows(f, annexureSummarySheet, nil, summary); err != nil {
		return nil, err
	}

	links := map[string][]string{}
	for _, l := range bundle.FieldLinks {
		links[l.EvidenceItemId] = append(links[l.EvidenceItemId], l.FieldPath)
	}
	evidence := make([][]any, 0, len(bundle.Evidence))
	for i, ev := range bundle.Evidence {
		fields := links[ev.Id]
		sort.Strings(fields)
		evidence = append(evidence, []any{
			i + 1, ev.EvidenceType, ev.DocType, ev.FileRef, formatTags(ev.Tags), strings.Join(fields, ", "), ev.Id,
		})
	}
	evidenceHeader := []any{"No.", "Evidence type", "Document", "File", "Tags", "Supports fields", "Evidence id"}
	if err := writeRows(f, annexureEvidenceSheet, evidenceHeader, evidence); err != nil {
		return nil, err
	}

	derived := [][]any{}
	flattenInto("", bundle.Derived, func(path string, v any) {
		derived = append(derived, []any{path, cellValue(v)})
	})
	if err := writeRows(f, annexureDerivedSheet, []any{"Field", "Value"}, derived); err != nil {
		return nil, err
	}

	f.SetActiveSheet(0)
	return f, nil
}

func writeRows(f *excelize.File, sheet string, header []any, rows [][]any) error {
	rowNo := 1
	if header != nil {
		cell, _ := excelize.CoordinatesToCellName(1, rowNo)
		if err := f.SetSheetRow(sheet, cell, &header); err != nil {
			return err
		}
		rowNo++
	}
	for _, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, rowNo)
		if err != nil {
			return err
		}
		row := r
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
		rowNo++
	}
	return nil
}

// flattenInto walks nested objects in key order and reports leaves by dotted path.
func flattenInto(prefix string, v any, emit func(string, any)) {
	m, ok := v.(map[string]any)
	if !ok {
		emit(prefix, v)
		return
	}
	for _, k := range utils.SortedKeys(m) {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		flattenInto(path, m[k], emit)
	}
}

func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string, bool, float64, int, int64:
		return t
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tags))
	for _, k := range utils.SortedKeys(tags) {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, "; ")
}
