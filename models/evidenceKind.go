package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type EvidenceType string

const (
	EvidenceTypePhoto      EvidenceType = "PHOTO"
	EvidenceTypeDocument   EvidenceType = "DOCUMENT"
	EvidenceTypeScreenshot EvidenceType = "SCREENSHOT"
	EvidenceTypeGeoTag     EvidenceType = "GEO_TAG"
)

type DocType string

// Doc sub-types, grouped by the evidence type that owns them.
const (
	DocTypeExterior     DocType = "EXTERIOR"
	DocTypeInterior     DocType = "INTERIOR"
	DocTypeSurroundings DocType = "SURROUNDINGS"
	DocTypeAccessRoad   DocType = "ACCESS_ROAD"
	DocTypeBoundary     DocType = "BOUNDARY"

	DocTypeSaleDeed       DocType = "SALE_DEED"
	DocTypeTaxReceipt     DocType = "TAX_RECEIPT"
	DocTypeApprovedPlan   DocType = "APPROVED_PLAN"
	DocTypeEncumbrance    DocType = "ENCUMBRANCE_CERTIFICATE"
	DocTypeKhata          DocType = "KHATA"
	DocTypeIdentityProof  DocType = "IDENTITY_PROOF"
	DocTypeValuationInput DocType = "VALUATION_INPUT"

	DocTypeGuidelineRate DocType = "GUIDELINE_RATE"
	DocTypeMapLocation   DocType = "MAP_LOCATION"
	DocTypeLandRecord    DocType = "LAND_RECORD"

	DocTypeSiteCoordinates DocType = "SITE_COORDINATES"
)

var evidenceCatalog = map[EvidenceType][]DocType{
	EvidenceTypePhoto:      {DocTypeExterior, DocTypeInterior, DocTypeSurroundings, DocTypeAccessRoad, DocTypeBoundary},
	EvidenceTypeDocument:   {DocTypeSaleDeed, DocTypeTaxReceipt, DocTypeApprovedPlan, DocTypeEncumbrance, DocTypeKhata, DocTypeIdentityProof, DocTypeValuationInput},
	EvidenceTypeScreenshot: {DocTypeGuidelineRate, DocTypeMapLocation, DocTypeLandRecord},
	EvidenceTypeGeoTag:     {DocTypeSiteCoordinates},
}

// EvidenceKind is an (evidence type, doc type) pair from the closed catalog.
// Its fields are unexported: the only ways to obtain one are ParseEvidenceKind,
// the JSON/SQL decoders (which call it), or the zero value, which IsZero reports.
type EvidenceKind struct {
	typ EvidenceType
	doc DocType
}

func ParseEvidenceKind(evidenceType, docType string) (EvidenceKind, error) {
	t := EvidenceType(strings.ToUpper(strings.TrimSpace(evidenceType)))
	d := DocType(strings.ToUpper(strings.TrimSpace(docType)))
	docs, ok := evidenceCatalog[t]
	if !ok {
		return EvidenceKind{}, fmt.Errorf("unknown evidence type %q", evidenceType)
	}
	for _, candidate := range docs {
		if candidate == d {
			return EvidenceKind{typ: t, doc: d}, nil
		}
	}
	return EvidenceKind{}, fmt.Errorf("doc type %q is not valid for evidence type %s", docType, t)
}

// ParseEvidenceKindString parses the "TYPE/DOC_TYPE" form.
func ParseEvidenceKindString(s string) (EvidenceKind, error) {
	t, d, ok := strings.Cut(s, "/")
	if !ok {
		return EvidenceKind{}, fmt.Errorf("evidence kind %q must be TYPE/DOC_TYPE", s)
	}
	return ParseEvidenceKind(t, d)
}

func MustEvidenceKind(evidenceType EvidenceType, docType DocType) EvidenceKind {
	k, err := ParseEvidenceKind(string(evidenceType), string(docType))
	if err != nil {
		panic(err)
	}
	return k
}

// IsValidEvidenceType reports whether t is a catalog evidence type.
func IsValidEvidenceType(t EvidenceType) bool {
	_, ok := evidenceCatalog[t]
	return ok
}

// AllEvidenceKinds lists the catalog in a stable order.
func AllEvidenceKinds() []EvidenceKind {
	out := []EvidenceKind{}
	types := make([]string, 0, len(evidenceCatalog))
	for t := range evidenceCatalog {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		for _, d := range evidenceCatalog[EvidenceType(t)] {
			out = append(out, EvidenceKind{typ: EvidenceType(t), doc: d})
		}
	}
	return out
}

func (k EvidenceKind) Type() EvidenceType { return k.typ }
func (k EvidenceKind) DocType() DocType   { return k.doc }
func (k EvidenceKind) IsZero() bool       { return k.typ == "" }

func (k EvidenceKind) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.typ) + "/" + string(k.doc)
}

func (k EvidenceKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EvidenceKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseEvidenceKindString(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// GormDataType stores the kind as a single string column.
func (EvidenceKind) GormDataType() string { return "string" }

func (k EvidenceKind) Value() (driver.Value, error) {
	if k.IsZero() {
		return nil, nil
	}
	return k.String(), nil
}

func (k *EvidenceKind) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into EvidenceKind", value)
	}
	parsed, err := ParseEvidenceKindString(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// JobKind is an enrichment job kind from a closed set. A source-of-truth kind
// feeds readiness scoring; other kinds are informational.
type JobKind struct {
	name          string
	sourceOfTruth bool
	accepts       []EvidenceType
}

var (
	// JobKindOCRFields extracts structured fields; its results back readiness.
	JobKindOCRFields = JobKind{name: "OCR_FIELDS", sourceOfTruth: true, accepts: []EvidenceType{EvidenceTypeDocument, EvidenceTypeScreenshot}}
	// JobKindOCRText extracts plain text for search and reviewer convenience.
	JobKindOCRText = JobKind{name: "OCR_TEXT", accepts: []EvidenceType{EvidenceTypeDocument, EvidenceTypeScreenshot, EvidenceTypePhoto}}
)

var jobKinds = []JobKind{JobKindOCRFields, JobKindOCRText}

func ParseJobKind(s string) (JobKind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, k := range jobKinds {
		if k.name == s {
			return k, nil
		}
	}
	return JobKind{}, fmt.Errorf("unknown job kind %q", s)
}

func (k JobKind) String() string        { return k.name }
func (k JobKind) IsZero() bool          { return k.name == "" }
func (k JobKind) IsSourceOfTruth() bool { return k.sourceOfTruth }

// Accepts reports whether this kind can run against evidence of type t.
func (k JobKind) Accepts(t EvidenceType) bool {
	for _, a := range k.accepts {
		if a == t {
			return true
		}
	}
	return false
}

func (k JobKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.name) }

func (k *JobKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseJobKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (JobKind) GormDataType() string { return "string" }

func (k JobKind) Value() (driver.Value, error) {
	if k.IsZero() {
		return nil, nil
	}
	return k.name, nil
}

func (k *JobKind) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into JobKind", value)
	}
	parsed, err := ParseJobKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
