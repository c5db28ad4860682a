// Package transform maps raw source rows onto the canonical APL entry model.
// One Transformer serves every source; per-source behavior lives entirely in
// the scraper.FieldMapping it is built with.
package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/scraper"
	"github.com/gewnthar/aplsync/utils"
)

// UnknownCategory is stored when a row carries no category at all.
const UnknownCategory = "Unknown"

var (
	// ErrBadDate marks a row whose date column could not be read.
	ErrBadDate = errors.New("unparseable date")
	// ErrMangledUPC marks a UPC a spreadsheet rendered in scientific notation.
	ErrMangledUPC = errors.New("upc in scientific notation, digits lost")
)

var sciNotationRe = regexp.MustCompile(`^\d(?:\.\d+)?[eE]\+?\d+$`)

// RowError is a row-level failure: the row is skipped and counted, the run continues.
type RowError struct {
	Line  int
	UPC   string
	Field scraper.Field
	Err   error
}

func (e *RowError) Error() string {
	if e.UPC != "" {
		return fmt.Sprintf("line %d (upc %s): %s: %v", e.Line, e.UPC, e.Field, e.Err)
	}
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Field, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Candidate is a transformed row on its way to the policy engine and validator.
type Candidate struct {
	Line  int
	Entry *models.APLEntry
	// DyeFlagged is set when the source has an explicit artificial-dye column marked true.
	DyeFlagged bool
	Warnings   []string
}

func (c *Candidate) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("line %d: ", c.Line)+fmt.Sprintf(format, args...))
}

// Transformer converts RawRows of one source into Candidates.
type Transformer struct {
	mapping          scraper.FieldMapping
	state            string
	source           models.DataSource
	defaultEffective time.Time
	now              func() time.Time
	titler           cases.Caser
}

// New builds a Transformer. defaultEffective is used for rows with no
// effective date; when nil, the start of the current UTC day is used.
func New(mapping scraper.FieldMapping, state string, source models.DataSource, defaultEffective *time.Time, now func() time.Time) *Transformer {
	if now == nil {
		now = time.Now
	}
	t := &Transformer{
		mapping: mapping,
		state:   utils.NormalizeStateCode(state),
		source:  source,
		now:     now,
		titler:  cases.Title(language.English),
	}
	if defaultEffective != nil {
		t.defaultEffective = models.DateOnly(*defaultEffective)
	} else {
		t.defaultEffective = models.DateOnly(now().UTC())
	}
	return t
}

// DefaultEffective is the effective date given to rows that carry none.
func (t *Transformer) DefaultEffective() time.Time { return t.defaultEffective }

// Transform maps one row. It returns (nil, nil) for rows without a UPC, which
// are header/footer noise, and a *RowError for rows that cannot be used.
// A UPC cell holding text rather than a code counts as missing.
func (t *Transformer) Transform(row scraper.RawRow) (*Candidate, error) {
	rawUPC := t.mapping.Lookup(row, scraper.FieldUPC)
	if sciNotationRe.MatchString(rawUPC) {
		return nil, &RowError{Line: row.Line, UPC: rawUPC, Field: scraper.FieldUPC, Err: ErrMangledUPC}
	}
	if rawUPC == "" || strings.IndexFunc(rawUPC, unicode.IsLetter) >= 0 {
		// header repeats, page footers and totals
		return nil, nil
	}
	upc, err := utils.NormalizeUPC(rawUPC)
	if err != nil {
		return nil, &RowError{Line: row.Line, UPC: rawUPC, Field: scraper.FieldUPC, Err: err}
	}

	c := &Candidate{Line: row.Line}
	now := t.now().UTC()
	entry := &models.APLEntry{
		State:       t.state,
		UPC:         upc.UPC12,
		Description: t.mapping.Lookup(row, scraper.FieldDescription),
		Brand:       t.mapping.Lookup(row, scraper.FieldBrand),
		Notes:       t.mapping.Lookup(row, scraper.FieldNotes),
		DataSource:  t.source,
		LastUpdated: now,
	}

	entry.BenefitCategory, entry.BenefitSubcategory = t.categories(row, c)

	entry.ParticipantTypes = ParseParticipants(t.mapping.Lookup(row, scraper.FieldParticipants))

	sizeText := t.mapping.Lookup(row, scraper.FieldSize)
	entry.SizeRestriction = ParseSize(sizeText, t.mapping.Lookup(row, scraper.FieldUnit))
	if sizeText != "" && entry.SizeRestriction == nil {
		c.warnf("size %q not understood, no size restriction applied", sizeText)
	}

	entry.BrandRestriction = ParseBrands(
		t.mapping.Lookup(row, scraper.FieldAllowedBrands),
		t.mapping.Lookup(row, scraper.FieldExcludedBrands),
	)

	entry.AdditionalRestrictions = DeriveFlags(entry.BenefitCategory, entry.BenefitSubcategory, entry.Notes)
	if v := t.mapping.Lookup(row, scraper.FieldOrganic); v != "" {
		if yes, ok := ParseBool(v); ok && yes {
			entry.AdditionalRestrictions = entry.AdditionalRestrictions.Set(models.FlagOrganicRequired, "")
		}
	}
	entry.AdditionalRestrictions = entry.AdditionalRestrictions.Normalize()

	if v := t.mapping.Lookup(row, scraper.FieldDyeFlag); v != "" {
		c.DyeFlagged, _ = ParseBool(v)
	}

	entry.Eligible = true
	if v := t.mapping.Lookup(row, scraper.FieldStatus); v != "" {
		eligible, ok := ParseStatus(v)
		if !ok {
			c.warnf("status %q not understood, treated as eligible", v)
		}
		entry.Eligible = eligible
	}

	entry.EffectiveDate = t.defaultEffective
	if v := t.mapping.Lookup(row, scraper.FieldEffectiveDate); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return nil, &RowError{Line: row.Line, UPC: upc.UPC12, Field: scraper.FieldEffectiveDate, Err: err}
		}
		entry.EffectiveDate = d
	}
	if v := t.mapping.Lookup(row, scraper.FieldExpirationDate); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return nil, &RowError{Line: row.Line, UPC: upc.UPC12, Field: scraper.FieldExpirationDate, Err: err}
		}
		if d.Year() < 9999 {
			entry.ExpirationDate = &d
		}
	}

	entry.AssignID()
	c.Entry = entry
	return c, nil
}

// categories resolves the category pair. A combined "Category - Subcategory"
// label is split when the source has no separate subcategory column.
func (t *Transformer) categories(row scraper.RawRow, c *Candidate) (string, string) {
	cat := strings.TrimSpace(t.mapping.Lookup(row, scraper.FieldCategory))
	sub := strings.TrimSpace(t.mapping.Lookup(row, scraper.FieldSubcategory))

	if sub == "" {
		for _, sep := range []string{" - ", " / ", ": "} {
			if i := strings.Index(cat, sep); i > 0 {
				cat, sub = strings.TrimSpace(cat[:i]), strings.TrimSpace(cat[i+len(sep):])
				break
			}
		}
	}
	if cat == "" {
		c.warnf("no category, stored as %s", UnknownCategory)
		return UnknownCategory, t.tidy(sub)
	}
	return t.tidy(cat), t.tidy(sub)
}

// tidy collapses whitespace and title-cases labels published in all caps.
func (t *Transformer) tidy(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s != "" && s == strings.ToUpper(s) && s != strings.ToLower(s) {
		return t.titler.String(strings.ToLower(s))
	}
	return s
}
