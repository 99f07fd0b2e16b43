package models

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AnyValue is the wildcard report/bank type on a profile.
const AnyValue = "*"

type EvidenceProfile struct {
	ID                  int                          `gorm:"primary_key" json:"id"`
	ReportType          string                       `gorm:"size:50;not null;uniqueIndex:uniq_profile_key,priority:1" json:"report_type"`
	BankType            string                       `gorm:"size:50;not null;uniqueIndex:uniq_profile_key,priority:2" json:"bank_type"`
	Name                string                       `gorm:"size:200;not null" json:"name"`
	MinCompleteness     decimal.Decimal              `gorm:"type:decimal(5,4);not null" json:"min_completeness"`
	RequiredFields      datatypes.JSONType[[]string] `json:"required_fields"`
	FieldLinksMandatory bool                         `gorm:"not null;default:false" json:"field_links_mandatory"`
	Items               []ChecklistItem              `gorm:"foreignKey:EvidenceProfileId" json:"items"`
	CreatedAt           time.Time                    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                    `gorm:"autoUpdateTime" json:"updated_at"`
}

// ChecklistItem is one evidence category. An empty DocType accepts any doc
// type of the evidence type.
type ChecklistItem struct {
	ID                 int          `gorm:"primary_key" json:"id"`
	EvidenceProfileId  int          `gorm:"index;not null" json:"evidence_profile_id"`
	Code               string       `gorm:"size:50;not null" json:"code"`
	EvidenceType       EvidenceType `gorm:"size:30;not null" json:"evidence_type"`
	DocType            DocType      `gorm:"size:50" json:"doc_type"`
	MinCount           int          `gorm:"not null;default:1" json:"min_count"`
	Required           bool         `gorm:"not null;default:false" json:"required"`
	RequiresExtraction bool         `gorm:"not null;default:false" json:"requires_extraction"`
	SortOrder          int          `gorm:"not null;default:0" json:"sort_order"`
}

// Matches reports whether an evidence kind counts toward this category.
func (c ChecklistItem) Matches(kind EvidenceKind) bool {
	if kind.Type() != c.EvidenceType {
		return false
	}
	return c.DocType == "" || kind.DocType() == c.DocType
}

const profileCachePrefix = "evidence_profile:"

func profileCacheKey(reportType, bankType string) string {
	return profileCachePrefix + reportType + ":" + bankType
}

// ResolveEvidenceProfile picks the checklist for (reportType, bankType):
// the exact pair, else (reportType, "*"), else the default ("*", "*").
func ResolveEvidenceProfile(ctx context.Context, db *gorm.DB, reportType, bankType string) (*EvidenceProfile, error) {
	reportType = strings.ToUpper(strings.TrimSpace(reportType))
	bankType = strings.ToUpper(strings.TrimSpace(bankType))
	return utils.CachedFetch(profileCacheKey(reportType, bankType), func() (*EvidenceProfile, error) {
		candidates := [][2]string{
			{reportType, bankType},
			{reportType, AnyValue},
			{AnyValue, AnyValue},
		}
		for _, c := range candidates {
			var p EvidenceProfile
			err := db.WithContext(ctx).
				Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("sort_order, id") }).
				Where("report_type = ? AND bank_type = ?", c[0], c[1]).
				Take(&p).Error
			if err == nil {
				return &p, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
		return nil, utils.NewPreconditionFailed("evidence_profile_missing", "no evidence profile and no default profile configured", map[string]any{
			"report_type": reportType,
			"bank_type":   bankType,
		})
	})
}

func ListEvidenceProfiles(ctx context.Context, db *gorm.DB, reportType, bankType string) ([]*EvidenceProfile, error) {
	q := db.WithContext(ctx).Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("sort_order, id") })
	if s := strings.ToUpper(strings.TrimSpace(reportType)); s != "" {
		q = q.Where("report_type IN ?", []string{s, AnyValue})
	}
	if s := strings.ToUpper(strings.TrimSpace(bankType)); s != "" {
		q = q.Where("bank_type IN ?", []string{s, AnyValue})
	}
	var profiles []*EvidenceProfile
	err := q.Order("report_type, bank_type").Find(&profiles).Error
	return profiles, err
}

//go:embed seeds/evidence_profiles.yaml
var defaultProfileSeed []byte

func DefaultProfileSeed() []byte { return defaultProfileSeed }

type profileSeedFile struct {
	Profiles []profileSeed `yaml:"profiles"`
}

type profileSeed struct {
	ReportType          string              `yaml:"report_type"`
	BankType            string              `yaml:"bank_type"`
	Name                string              `yaml:"name"`
	MinCompleteness     string              `yaml:"min_completeness"`
	FieldLinksMandatory bool                `yaml:"field_links_mandatory"`
	RequiredFields      []string            `yaml:"required_fields"`
	Checklist           []checklistItemSeed `yaml:"checklist"`
}

type checklistItemSeed struct {
	Code               string `yaml:"code"`
	EvidenceType       string `yaml:"evidence_type"`
	DocType            string `yaml:"doc_type"`
	MinCount           int    `yaml:"min_count"`
	Required           bool   `yaml:"required"`
	RequiresExtraction bool   `yaml:"requires_extraction"`
}

// ParseProfileSeed decodes and validates a profile YAML document.
func ParseProfileSeed(data []byte) ([]EvidenceProfile, error) {
	var file profileSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profile seed: %w", err)
	}
	seen := map[string]bool{}
	out := make([]EvidenceProfile, 0, len(file.Profiles))
	for i, s := range file.Profiles {
		p := EvidenceProfile{
			ReportType:          strings.ToUpper(strings.TrimSpace(s.ReportType)),
			BankType:            strings.ToUpper(strings.TrimSpace(s.BankType)),
			Name:                strings.TrimSpace(s.Name),
			FieldLinksMandatory: s.FieldLinksMandatory,
			RequiredFields:      datatypes.NewJSONType(append([]string{}, s.RequiredFields...)),
		}
		if p.ReportType == "" || p.BankType == "" {
			return nil, fmt.Errorf("profile %d: report_type and bank_type are required", i)
		}
		key := p.ReportType + "|" + p.BankType
		if seen[key] {
			return nil, fmt.Errorf("profile %d: duplicate (%s, %s)", i, p.ReportType, p.BankType)
		}
		seen[key] = true
		if p.Name == "" {
			p.Name = key
		}
		min, err := decimal.NewFromString(strings.TrimSpace(s.MinCompleteness))
		if err != nil {
			return nil, fmt.Errorf("profile %s: min_completeness: %w", key, err)
		}
		if min.IsNegative() || min.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("profile %s: min_completeness must be within 0..1", key)
		}
		p.MinCompleteness = min

		codes := map[string]bool{}
		for j, c := range s.Checklist {
			item := ChecklistItem{
				Code:               strings.TrimSpace(c.Code),
				EvidenceType:       EvidenceType(strings.ToUpper(strings.TrimSpace(c.EvidenceType))),
				MinCount:           c.MinCount,
				Required:           c.Required,
				RequiresExtraction: c.RequiresExtraction,
				SortOrder:          j,
			}
			if item.Code == "" || codes[item.Code] {
				return nil, fmt.Errorf("profile %s: checklist %d: code missing or duplicated", key, j)
			}
			codes[item.Code] = true
			if !IsValidEvidenceType(item.EvidenceType) {
				return nil, fmt.Errorf("profile %s: checklist %s: unknown evidence type %q", key, item.Code, c.EvidenceType)
			}
			if d := strings.TrimSpace(c.DocType); d != "" {
				kind, err := ParseEvidenceKind(string(item.EvidenceType), d)
				if err != nil {
					return nil, fmt.Errorf("profile %s: checklist %s: %w", key, item.Code, err)
				}
				item.DocType = kind.DocType()
			}
			if item.MinCount <= 0 {
				item.MinCount = 1
			}
			p.Items = append(p.Items, item)
		}
		out = append(out, p)
	}
	return out, nil
}

// SeedEvidenceProfiles upserts profiles by (report type, bank type) and
// replaces their checklists. Returns the number of profiles written.
func SeedEvidenceProfiles(ctx context.Context, db *gorm.DB, data []byte) (int, error) {
	profiles, err := ParseProfileSeed(data)
	if err != nil {
		return 0, err
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range profiles {
			p := profiles[i]
			var existing EvidenceProfile
			err := tx.Where("report_type = ? AND bank_type = ?", p.ReportType, p.BankType).Take(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&p).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&existing).Updates(map[string]interface{}{
					"name":                  p.Name,
					"min_completeness":      p.MinCompleteness,
					"required_fields":       p.RequiredFields,
					"field_links_mandatory": p.FieldLinksMandatory,
				}).Error; err != nil {
					return err
				}
				if err := tx.Where("evidence_profile_id = ?", existing.ID).Delete(&ChecklistItem{}).Error; err != nil {
					return err
				}
				for j := range p.Items {
					p.Items[j].EvidenceProfileId = existing.ID
				}
				if len(p.Items) > 0 {
					if err := tx.Create(&p.Items).Error; err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	clearProfileCache(ctx)
	return len(profiles), nil
}

// clearProfileCache drops every cached resolution. Keys are per requested
// pair rather than per stored profile, so a reseed clears them all.
func clearProfileCache(ctx context.Context) {
	rdb := config.GetRedisDB()
	if rdb == nil {
		return
	}
	iter := rdb.Scan(ctx, 0, profileCachePrefix+"*", 100).Iterator()
	keys := []string{}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	_ = utils.ClearCache(keys...)
}
