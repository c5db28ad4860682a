package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gewnthar/aplsync/models"
)

func TestParseParticipants(t *testing.T) {
	P, PP, BF, I, C := models.ParticipantPregnant, models.ParticipantPostpartum, models.ParticipantBreastfeeding,
		models.ParticipantInfant, models.ParticipantChild

	tests := []struct {
		in   string
		want []models.ParticipantType
	}{
		{"", nil},
		{"ALL", []models.ParticipantType{P, PP, BF, I, C}},
		{"All Participants", []models.ParticipantType{P, PP, BF, I, C}},
		{"Pregnant, Breastfeeding", []models.ParticipantType{P, BF}},
		{"Non-Breastfeeding Postpartum", []models.ParticipantType{PP}},
		{"Infants", []models.ParticipantType{I}},
		{"children 1-5", []models.ParticipantType{C}},
		{"PG/BF", []models.ParticipantType{P, BF}},
		{"Women, Infants and Children", []models.ParticipantType{P, PP, BF, I, C}},
		{"Women", []models.ParticipantType{P, PP, BF}},
		{"Pregnant Women", []models.ParticipantType{P}},
		{"Breastfeeding Women", []models.ParticipantType{BF}},
		{"Postpartum Women", []models.ParticipantType{PP}},
		{"Non-Breastfeeding Postpartum Women", []models.ParticipantType{PP}},
		{"Pregnant Women, Children", []models.ParticipantType{P, C}},
		{"seniors", nil},
		{"topping", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseParticipants(tt.in))
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		text, unit string
		want       string
		form       string
	}{
		{"12 oz", "", "12 oz", "exact"},
		{"12OZ", "", "12 oz", "exact"},
		{"8.9-36 oz", "", "8.9-36 oz", "range"},
		{"8.9 to 36 ounces", "", "8.9-36 oz", "range"},
		{"64", "fl oz", "64 fl oz", "exact"},
		{"1 Gal.", "", "1 gal", "exact"},
		{"16 or 32 oz", "", "16/32 oz", "allowed"},
		{"16/32 OZ", "", "16/32 oz", "allowed"},
		{"12 oz, 16 oz, 18 oz", "", "12/16/18 oz", "allowed"},
		{">=8 oz", "", ">=8 oz", "min"},
		{"max 36 oz", "", "<=36 oz", "max"},
		{"family size", "", "", ""},
		{"", "oz", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ParseSize(tt.text, tt.unit)
			if tt.form == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.String())
			assert.Equal(t, 1, got.Forms())
			switch tt.form {
			case "exact":
				assert.NotNil(t, got.Exact)
			case "range":
				assert.True(t, got.Min.LessThanOrEqual(*got.Max))
			case "allowed":
				assert.GreaterOrEqual(t, len(got.Allowed), 2)
			case "min":
				assert.NotNil(t, got.Min)
				assert.Nil(t, got.Max)
			case "max":
				assert.Nil(t, got.Min)
				assert.NotNil(t, got.Max)
			}
		})
	}
}

func TestParseBrands(t *testing.T) {
	assert.Nil(t, ParseBrands("", ""))
	assert.Nil(t, ParseBrands("Any", ""))
	assert.Equal(t, &models.BrandRestriction{Allowed: []string{"Similac", "Enfamil"}}, ParseBrands("Similac, Enfamil", ""))
	assert.Equal(t, &models.BrandRestriction{Excluded: []string{"Brand X"}}, ParseBrands("all brands", " Brand X "))
}

func TestDeriveFlags(t *testing.T) {
	flags := DeriveFlags("Cereal", "Hot", "")
	assert.True(t, flags.Has(models.FlagWholeGrainRequired))

	flags = DeriveFlags("Milk", "", "Organic or locally sourced preferred")
	assert.True(t, flags.Has(models.FlagLowFatRequired))
	assert.True(t, flags.Has(models.FlagOrganicRequired))
	assert.True(t, flags.Has(models.FlagLocalPreferred))

	flags = DeriveFlags("Juice", "", "no added sugar")
	require.True(t, flags.Has(models.FlagSugarLimit))
	assert.Equal(t, models.PolicyFlags{{Kind: models.FlagSugarLimit}}, flags)

	assert.Empty(t, DeriveFlags("Infant Formula", "Milk-based Powder", ""))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2025-10-01", "10/01/2025", "10/1/2025", "10/01/25", "2025/10/01", "20251001",
		"Oct 1, 2025", "October 1, 2025", "01-Oct-2025", "2025-10-01 08:15:00", "2025-10-01T23:00:00-04:00", "45931",
	} {
		t.Run(s, func(t *testing.T) {
			got, err := ParseDate(s)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseDate("next week")
	assert.ErrorIs(t, err, ErrBadDate)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in       string
		eligible bool
		ok       bool
	}{
		{"Active", true, true},
		{"Y", true, true},
		{"Inactive", false, true},
		{"D", false, true},
		{"false", false, true},
		{"pending", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			eligible, ok := ParseStatus(tt.in)
			assert.Equal(t, tt.eligible, eligible)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
