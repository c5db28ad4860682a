package validator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gewnthar/aplsync/models"
)

func validEntry() *models.APLEntry {
	e := &models.APLEntry{
		State:            "FL",
		UPC:              "036000291452",
		Eligible:         true,
		BenefitCategory:  "Cereal",
		ParticipantTypes: []models.ParticipantType{models.ParticipantChild},
		EffectiveDate:    time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		DataSource:       models.SourceFIS,
		Verified:         true,
	}
	e.AssignID()
	return e
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestValidate_Valid(t *testing.T) {
	r := Validate(validEntry())
	assert.True(t, r.Valid())
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Warnings)
}

func TestValidate_Structural(t *testing.T) {
	exp := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(e *models.APLEntry)
		want   error
	}{
		{"missing state", func(e *models.APLEntry) { e.State = "" }, ErrMissingField},
		{"unknown state", func(e *models.APLEntry) { e.State = "ZZ" }, ErrUnknownState},
		{"short upc", func(e *models.APLEntry) { e.UPC = "0123456" }, ErrBadUPC},
		{"formatted upc", func(e *models.APLEntry) { e.UPC = "0-36000-29145-2" }, ErrBadUPC},
		{"missing category", func(e *models.APLEntry) { e.BenefitCategory = " " }, ErrMissingField},
		{"missing effective", func(e *models.APLEntry) { e.EffectiveDate = time.Time{} }, ErrMissingField},
		{"expiration before effective", func(e *models.APLEntry) {
			e.EffectiveDate = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			e.ExpirationDate = &exp
		}, ErrDateOrder},
		{"expiration equal effective", func(e *models.APLEntry) {
			same := e.EffectiveDate
			e.ExpirationDate = &same
		}, ErrDateOrder},
		{"bad data source", func(e *models.APLEntry) { e.DataSource = "vendor_x" }, ErrBadEnum},
		{"bad participant", func(e *models.APLEntry) {
			e.ParticipantTypes = []models.ParticipantType{"senior"}
		}, ErrBadEnum},
		{"bad flag", func(e *models.APLEntry) {
			e.AdditionalRestrictions = models.PolicyFlags{{Kind: "gluten_free"}}
		}, ErrBadEnum},
		{"two size forms", func(e *models.APLEntry) {
			e.SizeRestriction = &models.SizeRestriction{Exact: dec("12"), Min: dec("8")}
		}, ErrSizeForms},
		{"inverted range", func(e *models.APLEntry) {
			e.SizeRestriction = &models.SizeRestriction{Min: dec("36"), Max: dec("8.9"), Unit: "oz"}
		}, ErrSizeRange},
		{"negative size", func(e *models.APLEntry) {
			e.SizeRestriction = &models.SizeRestriction{Allowed: []decimal.Decimal{*dec("16"), *dec("-1")}}
		}, ErrNegativeSize},
		{"allow and deny", func(e *models.APLEntry) {
			e.BrandRestriction = &models.BrandRestriction{Allowed: []string{"A"}, Excluded: []string{"B"}}
		}, ErrBrandForms},
		{"contract with list", func(e *models.APLEntry) {
			e.BrandRestriction = &models.BrandRestriction{ContractBrand: "Similac", Allowed: []string{"Enfamil"}}
		}, ErrContractWithLists},
		{"contract window", func(e *models.APLEntry) {
			e.BrandRestriction = &models.BrandRestriction{ContractBrand: "Similac", ContractStart: &exp, ContractEnd: &start}
		}, ErrContractWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntry()
			tt.mutate(e)
			r := Validate(e)
			require.False(t, r.Valid())
			assert.ErrorIs(t, r.Err(), tt.want)
		})
	}
}

func TestValidate_ExpirationBeforeEffective(t *testing.T) {
	e := validEntry()
	e.EffectiveDate = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	e.ExpirationDate = &exp

	err := Validate(e).Err()
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "expiration_date", verrs[0].Field)
	assert.Contains(t, err.Error(), "2025-12-31 <= 2026-01-01")
}

func TestValidate_Warnings(t *testing.T) {
	e := validEntry()
	e.Verified = false
	e.ParticipantTypes = nil
	e.BenefitCategory = "Unknown"
	e.UPC = "036000291453"
	e.Description = strings.Repeat("x", MaxDescriptionLen+1)

	r := Validate(e)
	assert.True(t, r.Valid(), "warnings never block storage")
	codes := make([]WarningCode, len(r.Warnings))
	for i, w := range r.Warnings {
		codes[i] = w.Code
	}
	assert.Equal(t, []WarningCode{WarnUnverified, WarnAllParticipants, WarnUnknownCategory, WarnCheckDigit, WarnOverlong}, codes)
}

func TestSanitize(t *testing.T) {
	e := validEntry()
	e.State = " fl "
	e.Description = "  Cheerios  " + strings.Repeat("y", MaxDescriptionLen)
	e.ParticipantTypes = []models.ParticipantType{models.ParticipantChild, models.ParticipantPregnant, models.ParticipantChild}
	e.BrandRestriction = &models.BrandRestriction{Allowed: []string{"Similac", " similac", "Enfamil", ""}}
	e.SizeRestriction = &models.SizeRestriction{Allowed: []decimal.Decimal{*dec("32"), *dec("16"), *dec("32.0")}, Unit: " oz "}
	e.AdditionalRestrictions = models.PolicyFlags{{Kind: models.FlagSugarLimit}, {Kind: models.FlagOrganicRequired}, {Kind: models.FlagSugarLimit}}
	e.EffectiveDate = time.Date(2025, 10, 1, 17, 45, 0, 0, time.UTC)
	e.ID = ""

	Sanitize(e)

	assert.Equal(t, "FL", e.State)
	assert.Len(t, []rune(e.Description), MaxDescriptionLen)
	assert.True(t, strings.HasPrefix(e.Description, "Cheerios"))
	assert.Equal(t, []models.ParticipantType{models.ParticipantPregnant, models.ParticipantChild}, e.ParticipantTypes)
	assert.Equal(t, []string{"Similac", "Enfamil"}, e.BrandRestriction.Allowed)
	assert.Equal(t, "16/32 oz", e.SizeRestriction.String())
	assert.Equal(t, models.PolicyFlags{{Kind: models.FlagOrganicRequired}, {Kind: models.FlagSugarLimit}}, e.AdditionalRestrictions)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), e.EffectiveDate)
	assert.Equal(t, models.EntryID("FL", "036000291452", e.EffectiveDate), e.ID)

	all := validEntry()
	all.ParticipantTypes = append([]models.ParticipantType(nil), models.AllParticipantTypes...)
	all.BrandRestriction = &models.BrandRestriction{Allowed: []string{" "}}
	Sanitize(all)
	assert.Nil(t, all.ParticipantTypes)
	assert.Nil(t, all.BrandRestriction)
}
