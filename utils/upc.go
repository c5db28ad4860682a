// backend/utils/upc.go
package utils

import (
	"errors"
	"strings"
)

var (
	ErrUPCTooShort         = errors.New("upc: fewer than 8 digits")
	ErrUPCTooLong          = errors.New("upc: more than 14 digits")
	ErrUPCNotRepresentable = errors.New("upc: significant digits exceed UPC-A")
)

// UPC holds the canonical forms of one product code.
type UPC struct {
	Raw             string // input as received
	UPC12           string // canonical 12-digit UPC-A, primary key form
	EAN13           string // "0" + UPC12
	Trimmed         string // UPC12 without leading zeros, fallback lookup key
	CheckDigit      byte   // last digit of UPC12
	CheckDigitValid bool
	Expanded        bool // input was an 8-digit UPC-E
}

// NormalizeUPC canonicalizes a digit-ish string. Non-digits are stripped first.
func NormalizeUPC(raw string) (UPC, error) {
	digits := DigitsOnly(raw)
	u := UPC{Raw: raw}

	switch n := len(digits); {
	case n < 8:
		return u, ErrUPCTooShort
	case n > 14:
		return u, ErrUPCTooLong
	case n == 8:
		u.UPC12 = ExpandUPCE(digits)
		u.Expanded = true
	case n <= 12:
		u.UPC12 = strings.Repeat("0", 12-n) + digits
	default:
		head := digits[:n-12]
		if strings.Trim(head, "0") != "" {
			return u, ErrUPCNotRepresentable
		}
		u.UPC12 = digits[n-12:]
	}

	u.EAN13 = "0" + u.UPC12
	u.Trimmed = strings.TrimLeft(u.UPC12, "0")
	u.CheckDigit = u.UPC12[11]
	u.CheckDigitValid = ValidateCheckDigit(u.UPC12)
	return u, nil
}

// CanonicalUPC returns the 12-digit form or "" when raw is not a usable code.
func CanonicalUPC(raw string) string {
	u, err := NormalizeUPC(raw)
	if err != nil {
		return ""
	}
	return u.UPC12
}

// ExpandUPCE expands an 8-digit zero-suppressed UPC-E into UPC-A. The first
// digit is the number system and the last the check digit; both carry over.
// The sixth significant digit decides where the suppressed zeros go.
func ExpandUPCE(upce string) string {
	if len(upce) != 8 {
		return ""
	}
	ns := upce[0:1]
	d := upce[1:7]
	check := upce[7:8]

	var body string
	switch d[5] {
	case '0', '1', '2':
		body = d[0:2] + d[5:6] + "0000" + d[2:5]
	case '3':
		body = d[0:3] + "00000" + d[3:5]
	case '4':
		body = d[0:4] + "00000" + d[4:5]
	default:
		body = d[0:5] + "0000" + d[5:6]
	}
	return ns + body + check
}

// ComputeCheckDigit returns the UPC-A check digit for the first 11 digits of
// code. Digits are weighted 3/1 alternating from the left.
func ComputeCheckDigit(code string) (byte, bool) {
	if len(code) < 11 {
		return 0, false
	}
	sum := 0
	for i := 0; i < 11; i++ {
		c := code[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v := int(c - '0')
		if i%2 == 0 {
			sum += v * 3
		} else {
			sum += v
		}
	}
	return byte('0' + (10-sum%10)%10), true
}

// ValidateCheckDigit reports whether a 12-digit UPC-A carries a correct check digit.
func ValidateCheckDigit(upc12 string) bool {
	if len(upc12) != 12 {
		return false
	}
	want, ok := ComputeCheckDigit(upc12)
	return ok && want == upc12[11]
}

// DigitsOnly strips everything that is not an ASCII digit.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
