// backend/utils/states.go
package utils

import "strings"

var stateNames = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas", "CA": "California",
	"CO": "Colorado", "CT": "Connecticut", "DE": "Delaware", "FL": "Florida", "GA": "Georgia",
	"HI": "Hawaii", "ID": "Idaho", "IL": "Illinois", "IN": "Indiana", "IA": "Iowa",
	"KS": "Kansas", "KY": "Kentucky", "LA": "Louisiana", "ME": "Maine", "MD": "Maryland",
	"MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota", "MS": "Mississippi", "MO": "Missouri",
	"MT": "Montana", "NE": "Nebraska", "NV": "Nevada", "NH": "New Hampshire", "NJ": "New Jersey",
	"NM": "New Mexico", "NY": "New York", "NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio",
	"OK": "Oklahoma", "OR": "Oregon", "PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina",
	"SD": "South Dakota", "TN": "Tennessee", "TX": "Texas", "UT": "Utah", "VT": "Vermont",
	"VA": "Virginia", "WA": "Washington", "WV": "West Virginia", "WI": "Wisconsin", "WY": "Wyoming",
	"DC": "District of Columbia",
	"AS": "American Samoa", "GU": "Guam", "MP": "Northern Mariana Islands", "PR": "Puerto Rico",
	"VI": "U.S. Virgin Islands",
}

// NormalizeStateCode uppercases and trims a jurisdiction code. Full state
// names ("Michigan") are mapped to their two-letter code.
func NormalizeStateCode(code string) string {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if len(upper) == 2 {
		return upper
	}
	for abbr, name := range stateNames {
		if strings.EqualFold(name, upper) {
			return abbr
		}
	}
	return upper
}

// IsValidState reports whether code is a recognized two-letter jurisdiction.
func IsValidState(code string) bool {
	_, ok := stateNames[code]
	return ok
}

// StateName returns the display name for a code, or "" if unknown.
func StateName(code string) string {
	return stateNames[strings.ToUpper(code)]
}
