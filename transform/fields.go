package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gewnthar/aplsync/models"
)

// participantAliases maps lowercase words to participant types. Long forms
// match as substrings; the short codes only match as whole tokens.
var participantAliases = []struct {
	word  string
	token bool
	types []models.ParticipantType
}{
	{"non-breastfeeding", false, []models.ParticipantType{models.ParticipantPostpartum}},
	{"non breastfeeding", false, []models.ParticipantType{models.ParticipantPostpartum}},
	{"breastfeeding", false, []models.ParticipantType{models.ParticipantBreastfeeding}},
	{"breast feeding", false, []models.ParticipantType{models.ParticipantBreastfeeding}},
	{"lactating", false, []models.ParticipantType{models.ParticipantBreastfeeding}},
	{"pregnant", false, []models.ParticipantType{models.ParticipantPregnant}},
	{"prenatal", false, []models.ParticipantType{models.ParticipantPregnant}},
	{"postpartum", false, []models.ParticipantType{models.ParticipantPostpartum}},
	{"post-partum", false, []models.ParticipantType{models.ParticipantPostpartum}},
	{"infant", false, []models.ParticipantType{models.ParticipantInfant}},
	{"child", false, []models.ParticipantType{models.ParticipantChild}},
	{"pg", true, []models.ParticipantType{models.ParticipantPregnant}},
	{"pp", true, []models.ParticipantType{models.ParticipantPostpartum}},
	{"bf", true, []models.ParticipantType{models.ParticipantBreastfeeding}},
	{"inf", true, []models.ParticipantType{models.ParticipantInfant}},
	{"ch", true, []models.ParticipantType{models.ParticipantChild}},
}

// womenTypes is what a bare "women" expands to. A label that already names a
// specific women's category ("Pregnant Women") keeps only that category.
var womenTypes = []models.ParticipantType{models.ParticipantPregnant, models.ParticipantPostpartum, models.ParticipantBreastfeeding}

var tokenSplit = regexp.MustCompile(`[^a-z]+`)

// ParseParticipants matches a free-text participant field against the
// vocabulary. "all" yields every type; an empty or unmatched field yields nil,
// which means all participants.
func ParseParticipants(s string) []models.ParticipantType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	tokens := make(map[string]bool)
	for _, tok := range tokenSplit.Split(s, -1) {
		if tok != "" {
			tokens[tok] = true
		}
	}
	if tokens["all"] {
		return append([]models.ParticipantType(nil), models.AllParticipantTypes...)
	}

	found := make(map[models.ParticipantType]bool)
	rest := s
	for _, a := range participantAliases {
		switch {
		case a.token && tokens[a.word]:
		case !a.token && strings.Contains(rest, a.word):
			// consume so "non-breastfeeding" does not also match "breastfeeding"
			rest = strings.ReplaceAll(rest, a.word, " ")
		default:
			continue
		}
		for _, p := range a.types {
			found[p] = true
		}
	}
	if strings.Contains(rest, "women") && !found[models.ParticipantPregnant] &&
		!found[models.ParticipantPostpartum] && !found[models.ParticipantBreastfeeding] {
		for _, p := range womenTypes {
			found[p] = true
		}
	}
	if len(found) == 0 {
		return nil
	}
	out := make([]models.ParticipantType, 0, len(found))
	for _, p := range models.AllParticipantTypes {
		if found[p] {
			out = append(out, p)
		}
	}
	return out
}

const number = `(\d+(?:\.\d+)?|\.\d+)`

var (
	sizeRangeRe   = regexp.MustCompile(`^` + number + `\s*(?:-|–|to)\s*` + number + `\s*([a-z][a-z .]*)?$`)
	sizeSingleRe  = regexp.MustCompile(`^` + number + `\s*([a-z][a-z .]*)?$`)
	sizeBoundRe   = regexp.MustCompile(`^(>=|<=|min(?:imum)?|max(?:imum)?|at least|up to)\s*` + number + `\s*([a-z][a-z .]*)?$`)
	sizeListSplit = regexp.MustCompile(`\s*(?:,|/|\bor\b|\band\b)\s*`)
	unitSuffixRe  = regexp.MustCompile(`([a-z][a-z .]*)$`)
)

var unitAliases = map[string]string{
	"oz": "oz", "ounce": "oz", "ounces": "oz",
	"fl oz": "fl oz", "floz": "fl oz", "fluid ounce": "fl oz", "fluid ounces": "fl oz",
	"lb": "lb", "lbs": "lb", "pound": "lb", "pounds": "lb",
	"gal": "gal", "gallon": "gal", "gallons": "gal",
	"qt": "qt", "quart": "qt", "quarts": "qt",
	"pt": "pt", "pint": "pt", "pints": "pt",
	"ct": "ct", "count": "ct", "ea": "ct", "each": "ct",
	"dz": "dozen", "doz": "dozen", "dozen": "dozen",
	"g": "g", "gram": "g", "grams": "g",
	"kg": "kg", "ml": "ml", "l": "l", "liter": "l", "litre": "l",
}

func normalizeUnit(u string) string {
	u = strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(u)), "."))
	u = strings.Join(strings.Fields(u), " ")
	if canon, ok := unitAliases[u]; ok {
		return canon
	}
	return u
}

// ParseSize reads "12 oz", "8.9-36 oz", "8.9 to 36 oz", "16 or 32 oz",
// "16/32 OZ", ">=8 oz" and similar. unitColumn is used when the size text has
// no unit. Unparseable text returns nil (no restriction).
func ParseSize(text, unitColumn string) *models.SizeRestriction {
	s := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if s == "" {
		return nil
	}
	unitOr := func(u string) string {
		if strings.TrimSpace(u) == "" {
			return normalizeUnit(unitColumn)
		}
		return normalizeUnit(u)
	}

	if m := sizeRangeRe.FindStringSubmatch(s); m != nil {
		lo, err1 := decimal.NewFromString(m[1])
		hi, err2 := decimal.NewFromString(m[2])
		if err1 != nil || err2 != nil {
			return nil
		}
		return &models.SizeRestriction{Min: &lo, Max: &hi, Unit: unitOr(m[3])}
	}
	if m := sizeSingleRe.FindStringSubmatch(s); m != nil {
		v, err := decimal.NewFromString(m[1])
		if err != nil {
			return nil
		}
		return &models.SizeRestriction{Exact: &v, Unit: unitOr(m[2])}
	}
	if m := sizeBoundRe.FindStringSubmatch(s); m != nil {
		v, err := decimal.NewFromString(m[2])
		if err != nil {
			return nil
		}
		sr := &models.SizeRestriction{Unit: unitOr(m[3])}
		switch m[1] {
		case ">=", "min", "minimum", "at least":
			sr.Min = &v
		default:
			sr.Max = &v
		}
		return sr
	}

	// Enumerated sizes; the unit, if any, trails the last value.
	unit := ""
	if m := unitSuffixRe.FindStringSubmatch(s); m != nil {
		unit = m[1]
		s = strings.TrimSpace(strings.TrimSuffix(s, m[1]))
	}
	parts := sizeListSplit.Split(s, -1)
	if len(parts) < 2 {
		return nil
	}
	allowed := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m := sizeSingleRe.FindStringSubmatch(p)
		if m == nil {
			return nil
		}
		v, err := decimal.NewFromString(m[1])
		if err != nil {
			return nil
		}
		if unit == "" && m[2] != "" {
			unit = m[2]
		}
		allowed = append(allowed, v)
	}
	if len(allowed) < 2 {
		return nil
	}
	return &models.SizeRestriction{Allowed: allowed, Unit: unitOr(unit)}
}

var brandSplit = regexp.MustCompile(`\s*[;,|]\s*`)

// ParseBrands builds a restriction from allow-list and deny-list columns.
// "any" or "all brands" in the allow column means no restriction.
func ParseBrands(allowed, excluded string) *models.BrandRestriction {
	a := splitBrands(allowed)
	if len(a) == 1 {
		switch strings.ToLower(a[0]) {
		case "any", "all", "all brands", "any brand":
			a = nil
		}
	}
	x := splitBrands(excluded)
	if len(a) == 0 && len(x) == 0 {
		return nil
	}
	return &models.BrandRestriction{Allowed: a, Excluded: x}
}

func splitBrands(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, b := range brandSplit.Split(strings.TrimSpace(s), -1) {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

var categoryFlagRules = []struct {
	keyword string
	unless  string
	flag    models.FlagKind
}{
	{"cereal", "", models.FlagWholeGrainRequired},
	{"whole grain", "", models.FlagWholeGrainRequired},
	{"whole wheat", "", models.FlagWholeGrainRequired},
	{"bread", "", models.FlagWholeGrainRequired},
	{"tortilla", "", models.FlagWholeGrainRequired},
	{"brown rice", "", models.FlagWholeGrainRequired},
	{"pasta", "", models.FlagWholeGrainRequired},
	{"milk", "formula", models.FlagLowFatRequired},
	{"organic", "", models.FlagOrganicRequired},
}

var noteFlagRules = []struct {
	keyword string
	flag    models.FlagKind
}{
	{"sugar", models.FlagSugarLimit},
	{"organic", models.FlagOrganicRequired},
	{"local", models.FlagLocalPreferred},
	{"whole grain", models.FlagWholeGrainRequired},
	{"artificial dye", models.FlagNoArtificialDyes},
	{"artificial color", models.FlagNoArtificialDyes},
	{"no dyes", models.FlagNoArtificialDyes},
	{"low fat", models.FlagLowFatRequired},
	{"lowfat", models.FlagLowFatRequired},
	{"fat free", models.FlagLowFatRequired},
	{"skim", models.FlagLowFatRequired},
	{"contract brand", models.FlagContractBrandOnly},
}

var (
	sugarAmountRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:g|grams?)\b`)
	sugarPerRe    = regexp.MustCompile(`(?:per|/)\s*((?:dry\s+)?(?:oz|ounce|serving|cup|100\s*g))\b`)
)

// sugarLimit extracts "6g per dry oz" style limits from notes.
func sugarLimit(notes string) string {
	m := sugarAmountRe.FindStringSubmatch(notes)
	if m == nil {
		return ""
	}
	value := m[1] + "g"
	if per := sugarPerRe.FindStringSubmatch(notes); per != nil {
		value += " per " + per[1]
	}
	return value
}

// DeriveFlags infers policy flags from category heuristics and notes keywords.
func DeriveFlags(category, subcategory, notes string) models.PolicyFlags {
	var flags models.PolicyFlags
	cat := strings.ToLower(category + " " + subcategory)
	for _, r := range categoryFlagRules {
		if r.unless != "" && strings.Contains(cat, r.unless) {
			continue
		}
		if strings.Contains(cat, r.keyword) {
			flags = flags.Set(r.flag, "")
		}
	}
	n := strings.ToLower(notes)
	for _, r := range noteFlagRules {
		if !strings.Contains(n, r.keyword) {
			continue
		}
		value := ""
		if r.flag == models.FlagSugarLimit {
			value = sugarLimit(n)
		}
		flags = flags.Set(r.flag, value)
	}
	return flags.Normalize()
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"2006/01/02",
	"20060102",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"2-Jan-06",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// excelEpoch is day zero of spreadsheet serial dates.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseDate accepts the date layouts seen in APL feeds, including spreadsheet
// serial day numbers, and returns the UTC calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return models.DateOnly(t), nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 20000 && n < 100000 {
		return excelEpoch.AddDate(0, 0, int(n)), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
}

// ParseBool reads yes/no style flags. ok is false for unrecognized text.
func ParseBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "t", "1", "x":
		return true, true
	case "n", "no", "false", "f", "0", "":
		return false, true
	}
	return false, false
}

// ParseStatus reads an item status or eligibility column. Unrecognized values
// are treated as eligible with ok=false.
func ParseStatus(s string) (eligible, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "t", "1", "a", "active", "approved", "eligible", "add", "added":
		return true, true
	case "n", "no", "false", "f", "0", "i", "d", "inactive", "deleted", "removed", "ineligible", "not eligible", "disallowed":
		return false, true
	}
	return true, false
}
