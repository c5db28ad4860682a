// backend/scraper/field_maps.go
package scraper

import (
	"strings"

	"github.com/gewnthar/aplsync/config"
)

// Field is a logical column of an APL feed, independent of what a publisher calls it.
type Field string

const (
	FieldUPC            Field = "upc"
	FieldDescription    Field = "description"
	FieldBrand          Field = "brand"
	FieldCategory       Field = "category"
	FieldSubcategory    Field = "subcategory"
	FieldParticipants   Field = "participants"
	FieldSize           Field = "size"
	FieldUnit           Field = "unit"
	FieldAllowedBrands  Field = "allowed_brands"
	FieldExcludedBrands Field = "excluded_brands"
	FieldEffectiveDate  Field = "effective_date"
	FieldExpirationDate Field = "expiration_date"
	FieldNotes          Field = "notes"
	FieldDyeFlag        Field = "dye_flag"
	FieldOrganic        Field = "organic"
	FieldStatus         Field = "status"
)

// FieldMapping lists, per logical field, the candidate column names in the
// order they are tried. Matching ignores case, surrounding whitespace and
// repeated inner spaces.
type FieldMapping struct {
	Name       string
	Candidates map[Field][]string
}

// Lookup returns the first non-empty value among the candidates for f.
func (m FieldMapping) Lookup(row RawRow, f Field) string {
	v, _ := row.Lookup(m.Candidates[f]...)
	return v
}

// Has reports whether any candidate column for f exists in header.
func (m FieldMapping) Has(header []string, f Field) bool {
	names := make(map[string]bool, len(header))
	for _, h := range header {
		names[normalizeColumn(h)] = true
	}
	for _, c := range m.Candidates[f] {
		if names[normalizeColumn(c)] {
			return true
		}
	}
	return false
}

// With returns a copy of m whose candidates for each overridden field are the
// override names followed by the built-in ones.
func (m FieldMapping) With(overrides map[string][]string) FieldMapping {
	out := FieldMapping{Name: m.Name, Candidates: make(map[Field][]string, len(m.Candidates))}
	for f, names := range m.Candidates {
		out.Candidates[f] = append([]string(nil), names...)
	}
	for field, names := range overrides {
		f := Field(strings.ToLower(strings.TrimSpace(field)))
		out.Candidates[f] = append(append([]string(nil), names...), out.Candidates[f]...)
	}
	return out
}

// Named returns a copy of m under a different name.
func (m FieldMapping) Named(name string) FieldMapping {
	m.Name = name
	return m
}

// baseMapping covers the column names seen across processors' historical exports.
var baseMapping = FieldMapping{
	Name: "default",
	Candidates: map[Field][]string{
		FieldUPC:            {"UPC", "UPC Code", "UPC/PLU", "UPC PLU", "Item Number", "Item UPC", "GTIN", "Product UPC"},
		FieldDescription:    {"Description", "Item Description", "Product Description", "Long Description", "Product Name", "Item Name"},
		FieldBrand:          {"Brand", "Brand Name", "Manufacturer"},
		FieldCategory:       {"Category", "Category Description", "Category Name", "Food Category", "Cat Desc", "Major Category"},
		FieldSubcategory:    {"Subcategory", "Sub Category", "Sub-Category", "Subcategory Description", "Sub Category Name", "Food Sub-Category", "Sub Cat Desc", "Minor Category"},
		FieldParticipants:   {"Participant Type", "Participant Types", "Participants", "Eligible Participants", "Participant Category"},
		FieldSize:           {"Size", "Package Size", "Unit Size", "Pkg Size", "Container Size"},
		FieldUnit:           {"Unit", "UOM", "Unit of Measure", "Size Unit"},
		FieldAllowedBrands:  {"Allowed Brands", "Approved Brands", "Brand Allow List"},
		FieldExcludedBrands: {"Excluded Brands", "Non-Approved Brands", "Brand Exclusions"},
		FieldEffectiveDate:  {"Effective Date", "Begin Date", "Start Date", "Eff Date", "Effective", "Date Added"},
		FieldExpirationDate: {"Expiration Date", "End Date", "Exp Date", "Expires", "Purge Date"},
		FieldNotes:          {"Notes", "Comments", "Restrictions", "Remarks"},
		FieldDyeFlag:        {"Contains Artificial Dyes", "Artificial Dye", "Dye Flag", "Color Additives"},
		FieldOrganic:        {"Organic", "Organic Only", "Organic Required"},
		FieldStatus:         {"Status", "Item Status", "Active", "Eligible"},
	},
}

// builtinMappings are per-processor layouts. Each starts from baseMapping and
// puts the processor's own headers first.
var builtinMappings = map[string]FieldMapping{
	"default": baseMapping,
	"fis": baseMapping.Named("fis").With(map[string][]string{
		"upc":             {"UPC/PLU", "UPC"},
		"category":        {"Category Description", "Cat Desc"},
		"subcategory":     {"Subcategory Description", "Sub Cat Desc"},
		"size":            {"Package Size"},
		"unit":            {"UOM"},
		"effective_date":  {"Begin Date"},
		"expiration_date": {"End Date", "Purge Date"},
	}),
	"conduent": baseMapping.Named("conduent").With(map[string][]string{
		"upc":             {"UPC Code"},
		"category":        {"Food Category"},
		"subcategory":     {"Food Sub-Category"},
		"size":            {"Unit Size"},
		"unit":            {"Unit of Measure"},
		"effective_date":  {"Eff Date"},
		"expiration_date": {"Exp Date"},
	}),
	"cdp": baseMapping.Named("cdp").With(map[string][]string{
		"upc":         {"Item Number"},
		"description": {"Item Description"},
		"category":    {"Category Name"},
		"subcategory": {"Sub Category Name"},
	}),
	"state_agency": baseMapping.Named("state_agency").With(map[string][]string{
		"description": {"Product Description"},
		"dye_flag":    {"Contains Artificial Dyes"},
	}),
	"manual": canonicalMapping,
}

// canonicalMapping reads files in the export layout of CanonicalRow.
var canonicalMapping = FieldMapping{
	Name: "canonical",
	Candidates: map[Field][]string{
		FieldUPC:            {"upc"},
		FieldDescription:    {"description"},
		FieldBrand:          {"brand"},
		FieldCategory:       {"benefit_category"},
		FieldSubcategory:    {"benefit_subcategory"},
		FieldParticipants:   {"participant_types"},
		FieldSize:           {"size_restriction"},
		FieldAllowedBrands:  {"allowed_brands"},
		FieldExcludedBrands: {"excluded_brands"},
		FieldEffectiveDate:  {"effective_date"},
		FieldExpirationDate: {"expiration_date"},
		FieldNotes:          {"notes"},
		FieldStatus:         {"eligible"},
	},
}

// MappingFor resolves the field mapping for a source: the explicitly named
// mapping, else the one for its data source tag, else the default, with the
// source's column overrides applied on top.
func MappingFor(src config.SourceConfig) FieldMapping {
	m, ok := builtinMappings[strings.ToLower(src.Mapping)]
	if !ok {
		m, ok = builtinMappings[strings.ToLower(src.DataSource)]
	}
	if !ok {
		m = baseMapping
	}
	if len(src.ColumnOverrides) == 0 {
		return m
	}
	return m.With(src.ColumnOverrides)
}

func normalizeColumn(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	name = strings.Trim(strings.TrimSpace(name), "\"'")
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
