package validator

import (
	"sort"
	"strings"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/utils"
)

// Sanitize normalizes an entry that passed structural validation: trimmed and
// bounded strings, uppercase state, canonical UPC, de-duplicated lists, date-only
// dates and an ID recomputed from the resulting natural key.
func Sanitize(e *models.APLEntry) {
	e.State = strings.ToUpper(strings.TrimSpace(e.State))
	if upc := utils.CanonicalUPC(e.UPC); upc != "" {
		e.UPC = upc
	}
	e.Description = clip(e.Description, MaxDescriptionLen)
	e.Brand = clip(e.Brand, MaxBrandLen)
	e.BenefitCategory = clip(e.BenefitCategory, MaxCategoryLen)
	e.BenefitSubcategory = clip(e.BenefitSubcategory, MaxCategoryLen)
	e.Notes = clip(e.Notes, MaxNotesLen)

	if len(e.ParticipantTypes) > 0 {
		seen := make(map[models.ParticipantType]bool, len(e.ParticipantTypes))
		out := e.ParticipantTypes[:0]
		for _, p := range e.ParticipantTypes {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		models.SortParticipants(out)
		e.ParticipantTypes = out
	}
	// every participant type listed is the same as none listed
	if len(e.ParticipantTypes) == len(models.AllParticipantTypes) {
		e.ParticipantTypes = nil
	}

	if b := e.BrandRestriction; b != nil {
		b.Allowed = dedupeFold(b.Allowed)
		b.Excluded = dedupeFold(b.Excluded)
		b.ContractBrand = strings.TrimSpace(b.ContractBrand)
		if len(b.Allowed) == 0 && len(b.Excluded) == 0 && b.ContractBrand == "" {
			e.BrandRestriction = nil
		}
	}
	if s := e.SizeRestriction; s != nil {
		s.Unit = strings.TrimSpace(s.Unit)
		if len(s.Allowed) > 1 {
			sort.SliceStable(s.Allowed, func(i, j int) bool { return s.Allowed[i].LessThan(s.Allowed[j]) })
			out := s.Allowed[:1]
			for _, v := range s.Allowed[1:] {
				if !v.Equal(out[len(out)-1]) {
					out = append(out, v)
				}
			}
			s.Allowed = out
		}
	}
	e.AdditionalRestrictions = e.AdditionalRestrictions.Normalize()

	e.EffectiveDate = models.DateOnly(e.EffectiveDate)
	if e.ExpirationDate != nil {
		d := models.DateOnly(*e.ExpirationDate)
		e.ExpirationDate = &d
	}
	e.AssignID()
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit]))
}

func dedupeFold(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
