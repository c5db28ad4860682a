// backend/scraper/canonical_export.go
package scraper

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/gewnthar/aplsync/models"
)

// CanonicalRow is the flat export layout of an APLEntry. Files written in this
// layout can be re-ingested with the "manual" mapping.
type CanonicalRow struct {
	State                  string `csv:"state"`
	UPC                    string `csv:"upc"`
	Description            string `csv:"description"`
	Brand                  string `csv:"brand"`
	Eligible               bool   `csv:"eligible"`
	BenefitCategory        string `csv:"benefit_category"`
	BenefitSubcategory     string `csv:"benefit_subcategory"`
	ParticipantTypes       string `csv:"participant_types"`
	SizeRestriction        string `csv:"size_restriction"`
	AllowedBrands          string `csv:"allowed_brands"`
	ExcludedBrands         string `csv:"excluded_brands"`
	ContractBrand          string `csv:"contract_brand"`
	AdditionalRestrictions string `csv:"additional_restrictions"`
	EffectiveDate          string `csv:"effective_date"`
	ExpirationDate         string `csv:"expiration_date"`
	DataSource             string `csv:"data_source"`
	Verified               bool   `csv:"verified"`
	Notes                  string `csv:"notes"`
}

// ToCanonicalRow flattens an entry.
func ToCanonicalRow(e *models.APLEntry) CanonicalRow {
	row := CanonicalRow{
		State:              e.State,
		UPC:                e.UPC,
		Description:        e.Description,
		Brand:              e.Brand,
		Eligible:           e.Eligible,
		BenefitCategory:    e.BenefitCategory,
		BenefitSubcategory: e.BenefitSubcategory,
		SizeRestriction:    e.SizeRestriction.String(),
		EffectiveDate:      e.EffectiveDate.Format(models.DateLayout),
		DataSource:         string(e.DataSource),
		Verified:           e.Verified,
		Notes:              e.Notes,
	}
	parts := make([]string, len(e.ParticipantTypes))
	for i, p := range e.ParticipantTypes {
		parts[i] = string(p)
	}
	row.ParticipantTypes = strings.Join(parts, ";")

	if b := e.BrandRestriction; b != nil {
		row.AllowedBrands = strings.Join(b.Allowed, ";")
		row.ExcludedBrands = strings.Join(b.Excluded, ";")
		row.ContractBrand = b.ContractBrand
	}
	flags := make([]string, 0, len(e.AdditionalRestrictions))
	for _, f := range e.AdditionalRestrictions {
		if f.Value != "" {
			flags = append(flags, string(f.Kind)+"="+f.Value)
			continue
		}
		flags = append(flags, string(f.Kind))
	}
	row.AdditionalRestrictions = strings.Join(flags, ";")
	if e.ExpirationDate != nil {
		row.ExpirationDate = e.ExpirationDate.Format(models.DateLayout)
	}
	return row
}

// WriteCanonicalCSV writes entries as CSV with a header row.
func WriteCanonicalCSV(w io.Writer, entries []*models.APLEntry) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if len(entries) == 0 {
		if err := enc.EncodeHeader(CanonicalRow{}); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	for _, e := range entries {
		if err := enc.Encode(ToCanonicalRow(e)); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", e.NaturalKey(), err)
		}
	}
	cw.Flush()
	return cw.Error()
}
