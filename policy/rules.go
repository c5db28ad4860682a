// Package policy applies state-specific business rules to transformed rows.
// Every rule is a pure function of the row, the run date and configuration.
package policy

import (
	"regexp"
	"strings"
	"time"

	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/transform"
)

// Decision is the outcome of running the rules over one row.
type Decision struct {
	Reject bool
	Reason models.RejectionReason
	Detail string
	// Changes lists rules that altered the row without rejecting it.
	Changes []models.RejectionReason
}

// Rule is one state-specific overlay.
type Rule interface {
	Name() string
	Apply(c *transform.Candidate, asOf time.Time) Decision
}

// defaultDyeKeywords are the synthetic color additives targeted by state dye bans,
// by FD&C name, common name and E-number.
var defaultDyeKeywords = []string{
	"red 40", "red no 40", "red #40", "allura red", "e129",
	"red 3", "red no 3", "red #3", "erythrosine", "e127",
	"yellow 5", "yellow no 5", "yellow #5", "tartrazine", "e102",
	"yellow 6", "yellow no 6", "yellow #6", "sunset yellow", "e110",
	"blue 1", "blue no 1", "blue #1", "brilliant blue", "e133",
	"blue 2", "blue no 2", "blue #2", "indigo carmine", "e132",
	"green 3", "green no 3", "green #3", "fast green", "e143",
	"citrus red 2", "citrus red no 2", "e121",
	"orange b",
}

var punctRe = regexp.MustCompile(`[.,;:()\[\]/]+`)

// normalizeText lowercases, drops punctuation (so "Red No. 40" reads "red no 40")
// and pads with spaces for whole-word matching.
func normalizeText(s string) string {
	s = punctRe.ReplaceAllString(strings.ToLower(s), " ")
	return " " + strings.Join(strings.Fields(s), " ") + " "
}

// DyeBanRule excludes rows whose description or notes name an artificial dye,
// or whose explicit dye column is set.
type DyeBanRule struct {
	keywords []string
	from     *time.Time
}

// NewDyeBanRule builds the rule from configuration. Extra keywords extend the default list.
func NewDyeBanRule(cfg config.DyeBanConfig) *DyeBanRule {
	r := &DyeBanRule{from: cfg.EffectiveFrom}
	for _, k := range append(append([]string(nil), defaultDyeKeywords...), cfg.ExtraKeywords...) {
		if k = strings.TrimSpace(normalizeText(k)); k != "" {
			r.keywords = append(r.keywords, " "+k+" ")
		}
	}
	return r
}

func (r *DyeBanRule) Name() string { return "dye_ban" }

// Match returns the first dye keyword found in text, or "".
func (r *DyeBanRule) Match(text string) string {
	norm := normalizeText(text)
	for _, k := range r.keywords {
		if strings.Contains(norm, k) {
			return strings.TrimSpace(k)
		}
	}
	return ""
}

func (r *DyeBanRule) Apply(c *transform.Candidate, asOf time.Time) Decision {
	if r.from != nil && asOf.Before(*r.from) {
		return Decision{}
	}
	if c.DyeFlagged {
		return Decision{Reject: true, Reason: models.RejectedArtificialDyes, Detail: "dye column set"}
	}
	if k := r.Match(c.Entry.Description + " " + c.Entry.Notes); k != "" {
		return Decision{Reject: true, Reason: models.RejectedArtificialDyes, Detail: "contains " + k}
	}
	return Decision{}
}

// CurrentContract returns the contract in force on date for a category label.
// A contract with no category applies to formula. When windows overlap the
// most recently started contract wins.
func CurrentContract(date time.Time, contracts []config.ContractConfig, category string) (config.ContractConfig, bool) {
	day := models.DateOnly(date)
	cat := strings.ToLower(category)
	var (
		best  config.ContractConfig
		found bool
	)
	for _, k := range contracts {
		match := strings.ToLower(k.Category)
		if match == "" {
			match = "formula"
		}
		if !strings.Contains(cat, match) {
			continue
		}
		if day.Before(k.Start) || day.After(k.End) {
			continue
		}
		if !found || k.Start.After(best.Start) {
			best, found = k, true
		}
	}
	return best, found
}

// ContractBrandRule attaches the current contract brand and window to formula rows.
type ContractBrandRule struct {
	contracts []config.ContractConfig
}

func NewContractBrandRule(contracts []config.ContractConfig) *ContractBrandRule {
	return &ContractBrandRule{contracts: contracts}
}

func (r *ContractBrandRule) Name() string { return "contract_brand" }

func (r *ContractBrandRule) Apply(c *transform.Candidate, asOf time.Time) Decision {
	e := c.Entry
	k, ok := CurrentContract(asOf, r.contracts, e.BenefitCategory+" "+e.BenefitSubcategory)
	if !ok {
		return Decision{}
	}
	listed := e.Brand
	if e.BrandRestriction.IsContract() {
		listed = e.BrandRestriction.ContractBrand
	}

	start, end := k.Start, k.End
	e.BrandRestriction = &models.BrandRestriction{ContractBrand: k.Brand, ContractStart: &start, ContractEnd: &end}
	e.AdditionalRestrictions = e.AdditionalRestrictions.Set(models.FlagContractBrandOnly, k.Brand).Normalize()

	if listed != "" && !strings.EqualFold(strings.TrimSpace(listed), k.Brand) {
		return Decision{Changes: []models.RejectionReason{models.ContractBrandChanges}}
	}
	return Decision{}
}

// CadenceFor maps a date to the recommended sync interval: the shortest cadence
// of any rollout phase covering the date, else the default.
func CadenceFor(date time.Time, phases []config.RolloutPhaseConfig, def time.Duration) time.Duration {
	day := models.DateOnly(date)
	cadence := time.Duration(0)
	for _, p := range phases {
		if day.Before(p.Start) || day.After(p.End) {
			continue
		}
		if cadence == 0 || p.Cadence < cadence {
			cadence = p.Cadence
		}
	}
	if cadence == 0 {
		return def
	}
	return cadence
}
