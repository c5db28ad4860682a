// backend/models/apl.go
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the storage and natural-key layout for effective/expiration dates.
const DateLayout = "2006-01-02"

// aplNamespace seeds the deterministic entry IDs. Changing it re-keys every stored row.
var aplNamespace = uuid.MustParse("6f1b7c1e-5a2d-4c38-9f1e-2b7d0c4e8a11")

// DataSource tags the processor or origin that published a feed.
type DataSource string

const (
	SourceFIS         DataSource = "fis"
	SourceConduent    DataSource = "conduent"
	SourceCDP         DataSource = "cdp"
	SourceStateAgency DataSource = "state_agency"
	SourceManual      DataSource = "manual"
)

var knownDataSources = map[DataSource]bool{
	SourceFIS:         true,
	SourceConduent:    true,
	SourceCDP:         true,
	SourceStateAgency: true,
	SourceManual:      true,
}

// Valid reports whether ds is one of the enumerated processor tags.
func (ds DataSource) Valid() bool { return knownDataSources[ds] }

// ParticipantType is a benefit participant category.
type ParticipantType string

const (
	ParticipantPregnant      ParticipantType = "pregnant"
	ParticipantPostpartum    ParticipantType = "postpartum"
	ParticipantBreastfeeding ParticipantType = "breastfeeding"
	ParticipantInfant        ParticipantType = "infant"
	ParticipantChild         ParticipantType = "child"
)

// AllParticipantTypes lists the vocabulary in canonical order.
var AllParticipantTypes = []ParticipantType{
	ParticipantPregnant,
	ParticipantPostpartum,
	ParticipantBreastfeeding,
	ParticipantInfant,
	ParticipantChild,
}

// Valid reports whether p is in the vocabulary.
func (p ParticipantType) Valid() bool {
	for _, known := range AllParticipantTypes {
		if p == known {
			return true
		}
	}
	return false
}

// SizeRestriction limits the package sizes an entry covers. Exactly one of
// Exact, Min/Max or Allowed is populated.
type SizeRestriction struct {
	Exact   *decimal.Decimal  `json:"exact,omitempty"`
	Min     *decimal.Decimal  `json:"min,omitempty"`
	Max     *decimal.Decimal  `json:"max,omitempty"`
	Allowed []decimal.Decimal `json:"allowed,omitempty"`
	Unit    string            `json:"unit,omitempty"`
}

// Forms returns how many mutually-exclusive size forms are populated.
func (s *SizeRestriction) Forms() int {
	if s == nil {
		return 0
	}
	n := 0
	if s.Exact != nil {
		n++
	}
	if s.Min != nil || s.Max != nil {
		n++
	}
	if len(s.Allowed) > 0 {
		n++
	}
	return n
}

// String renders the restriction the way feeds usually print it ("8.9-36 OZ").
func (s *SizeRestriction) String() string {
	if s == nil {
		return ""
	}
	unit := ""
	if s.Unit != "" {
		unit = " " + s.Unit
	}
	switch {
	case s.Exact != nil:
		return s.Exact.String() + unit
	case s.Min != nil && s.Max != nil:
		return s.Min.String() + "-" + s.Max.String() + unit
	case s.Min != nil:
		return ">=" + s.Min.String() + unit
	case s.Max != nil:
		return "<=" + s.Max.String() + unit
	case len(s.Allowed) > 0:
		parts := make([]string, len(s.Allowed))
		for i, v := range s.Allowed {
			parts[i] = v.String()
		}
		return strings.Join(parts, "/") + unit
	}
	return ""
}

// BrandRestriction limits the brands an entry covers. Allowed and Excluded are
// mutually exclusive; a contract brand carries its validity window.
type BrandRestriction struct {
	Allowed       []string   `json:"allowed,omitempty"`
	Excluded      []string   `json:"excluded,omitempty"`
	ContractBrand string     `json:"contract_brand,omitempty"`
	ContractStart *time.Time `json:"contract_start,omitempty"`
	ContractEnd   *time.Time `json:"contract_end,omitempty"`
}

// IsContract reports whether the restriction is a contract-brand window.
func (b *BrandRestriction) IsContract() bool {
	return b != nil && b.ContractBrand != ""
}

// APLEntry is the canonical eligibility record.
type APLEntry struct {
	ID                     string            `json:"id"`
	State                  string            `json:"state"`
	UPC                    string            `json:"upc"`
	Description            string            `json:"description,omitempty"`
	Brand                  string            `json:"brand,omitempty"`
	Eligible               bool              `json:"eligible"`
	BenefitCategory        string            `json:"benefit_category"`
	BenefitSubcategory     string            `json:"benefit_subcategory,omitempty"`
	ParticipantTypes       []ParticipantType `json:"participant_types"`
	SizeRestriction        *SizeRestriction  `json:"size_restriction,omitempty"`
	BrandRestriction       *BrandRestriction `json:"brand_restriction,omitempty"`
	AdditionalRestrictions PolicyFlags       `json:"additional_restrictions,omitempty"`
	EffectiveDate          time.Time         `json:"effective_date"`
	ExpirationDate         *time.Time        `json:"expiration_date,omitempty"`
	DataSource             DataSource        `json:"data_source"`
	Verified               bool              `json:"verified"`
	Notes                  string            `json:"notes,omitempty"`
	LastUpdated            time.Time         `json:"last_updated"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// NaturalKey returns the (state, upc, effectiveDate) identity as a single string.
func (e *APLEntry) NaturalKey() string {
	return NaturalKey(e.State, e.UPC, e.EffectiveDate)
}

// NaturalKey joins the identity fields of an entry.
func NaturalKey(state, upc string, effective time.Time) string {
	return fmt.Sprintf("%s|%s|%s", strings.ToUpper(state), upc, effective.Format(DateLayout))
}

// EntryID derives the stable identifier for a natural key.
func EntryID(state, upc string, effective time.Time) string {
	return uuid.NewSHA1(aplNamespace, []byte(NaturalKey(state, upc, effective))).String()
}

// AssignID sets ID from the natural key.
func (e *APLEntry) AssignID() {
	e.ID = EntryID(e.State, e.UPC, e.EffectiveDate)
}

// CoversParticipant reports whether the entry applies to p. An empty set means all.
func (e *APLEntry) CoversParticipant(p ParticipantType) bool {
	if len(e.ParticipantTypes) == 0 {
		return true
	}
	for _, t := range e.ParticipantTypes {
		if t == p {
			return true
		}
	}
	return false
}

// SortParticipants orders participant types by the vocabulary order.
func SortParticipants(types []ParticipantType) {
	rank := make(map[ParticipantType]int, len(AllParticipantTypes))
	for i, t := range AllParticipantTypes {
		rank[t] = i
	}
	sort.SliceStable(types, func(i, j int) bool { return rank[types[i]] < rank[types[j]] })
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
