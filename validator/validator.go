// Package validator checks transformed entries before they are persisted.
//
// Structural problems make an entry invalid: it is counted and dropped while
// the run continues. Semantic problems are warnings and never block storage.
package validator

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/transform"
	"github.com/gewnthar/aplsync/utils"
)

// Column bounds shared with the database schema.
const (
	MaxCategoryLen    = 100
	MaxDescriptionLen = 255
	MaxBrandLen       = 100
	MaxNotesLen       = 1000
)

var (
	ErrMissingField      = errors.New("required field missing")
	ErrBadUPC            = errors.New("upc is not 12 digits")
	ErrUnknownState      = errors.New("unrecognized state code")
	ErrBadEnum           = errors.New("value outside enumeration")
	ErrDateOrder         = errors.New("expiration date is not after effective date")
	ErrSizeForms         = errors.New("size restriction has more than one form")
	ErrSizeRange         = errors.New("size restriction min exceeds max")
	ErrBrandForms        = errors.New("brand restriction has both allow and deny lists")
	ErrContractWindow    = errors.New("contract window end is not after start")
	ErrNegativeSize      = errors.New("size restriction value is negative")
	ErrContractWithLists = errors.New("contract brand restriction carries allow or deny lists")
)

// FieldError ties a structural error to the field that caused it.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e FieldError) Unwrap() error { return e.Err }

// ValidationErrors is every structural problem found on one entry.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Is lets errors.Is match any contained error.
func (v ValidationErrors) Is(target error) bool {
	for _, e := range v {
		if errors.Is(e.Err, target) {
			return true
		}
	}
	return false
}

// WarningCode classifies a semantic warning.
type WarningCode string

const (
	WarnUnverified      WarningCode = "unverified"
	WarnAllParticipants WarningCode = "all_participants"
	WarnUnknownCategory WarningCode = "unknown_category"
	WarnCheckDigit      WarningCode = "check_digit"
	WarnOverlong        WarningCode = "overlong_text"
)

// Warning is a non-blocking finding.
type Warning struct {
	Code    WarningCode
	Message string
}

// Result is the outcome of validating one entry.
type Result struct {
	Errors   ValidationErrors
	Warnings []Warning
}

// Valid reports whether the entry passed structural validation.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Err returns the structural errors as an error, or nil.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return r.Errors
}

// Validate runs both tiers over e.
func Validate(e *models.APLEntry) Result {
	var r Result
	fail := func(field string, err error) {
		r.Errors = append(r.Errors, FieldError{Field: field, Err: err})
	}
	warn := func(code WarningCode, format string, args ...interface{}) {
		r.Warnings = append(r.Warnings, Warning{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	// structural
	if strings.TrimSpace(e.State) == "" {
		fail("state", ErrMissingField)
	} else if !utils.IsValidState(strings.ToUpper(strings.TrimSpace(e.State))) {
		fail("state", fmt.Errorf("%w: %q", ErrUnknownState, e.State))
	}
	switch upc := utils.DigitsOnly(e.UPC); {
	case e.UPC == "":
		fail("upc", ErrMissingField)
	case len(upc) != 12 || upc != strings.TrimSpace(e.UPC):
		fail("upc", fmt.Errorf("%w: %q", ErrBadUPC, e.UPC))
	}
	if strings.TrimSpace(e.BenefitCategory) == "" {
		fail("benefit_category", ErrMissingField)
	}
	if e.EffectiveDate.IsZero() {
		fail("effective_date", ErrMissingField)
	}
	if e.ExpirationDate != nil && !e.ExpirationDate.After(e.EffectiveDate) {
		fail("expiration_date", fmt.Errorf("%w: %s <= %s", ErrDateOrder,
			e.ExpirationDate.Format(models.DateLayout), e.EffectiveDate.Format(models.DateLayout)))
	}
	if !e.DataSource.Valid() {
		fail("data_source", fmt.Errorf("%w: %q", ErrBadEnum, e.DataSource))
	}
	for _, p := range e.ParticipantTypes {
		if !p.Valid() {
			fail("participant_types", fmt.Errorf("%w: %q", ErrBadEnum, p))
		}
	}
	for _, f := range e.AdditionalRestrictions {
		if !f.Kind.Valid() {
			fail("additional_restrictions", fmt.Errorf("%w: %q", ErrBadEnum, f.Kind))
		}
	}
	if s := e.SizeRestriction; s != nil {
		if s.Forms() > 1 {
			fail("size_restriction", ErrSizeForms)
		}
		if s.Min != nil && s.Max != nil && s.Min.GreaterThan(*s.Max) {
			fail("size_restriction", ErrSizeRange)
		}
		for _, v := range sizeValues(s) {
			if v.IsNegative() {
				fail("size_restriction", ErrNegativeSize)
				break
			}
		}
	}
	if b := e.BrandRestriction; b != nil {
		if len(b.Allowed) > 0 && len(b.Excluded) > 0 {
			fail("brand_restriction", ErrBrandForms)
		}
		if b.IsContract() && (len(b.Allowed) > 0 || len(b.Excluded) > 0) {
			fail("brand_restriction", ErrContractWithLists)
		}
		if b.ContractStart != nil && b.ContractEnd != nil && !b.ContractEnd.After(*b.ContractStart) {
			fail("brand_restriction", ErrContractWindow)
		}
	}

	// semantic
	if !e.Verified {
		warn(WarnUnverified, "entry %s is unverified", e.UPC)
	}
	if len(e.ParticipantTypes) == 0 {
		warn(WarnAllParticipants, "entry %s has no participant types, applies to all", e.UPC)
	}
	if e.BenefitCategory == transform.UnknownCategory {
		warn(WarnUnknownCategory, "entry %s has unknown category", e.UPC)
	}
	if len(e.UPC) == 12 && !utils.ValidateCheckDigit(e.UPC) {
		warn(WarnCheckDigit, "entry %s has an invalid check digit", e.UPC)
	}
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"description", e.Description, MaxDescriptionLen},
		{"brand", e.Brand, MaxBrandLen},
		{"benefit_category", e.BenefitCategory, MaxCategoryLen},
		{"benefit_subcategory", e.BenefitSubcategory, MaxCategoryLen},
		{"notes", e.Notes, MaxNotesLen},
	} {
		if n := utf8.RuneCountInString(f.value); n > f.max {
			warn(WarnOverlong, "entry %s: %s is %d characters, truncated to %d", e.UPC, f.name, n, f.max)
		}
	}
	return r
}

func sizeValues(s *models.SizeRestriction) []decimal.Decimal {
	out := append([]decimal.Decimal(nil), s.Allowed...)
	for _, p := range []*decimal.Decimal{s.Exact, s.Min, s.Max} {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}
