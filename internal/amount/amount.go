// Package amount converts user-facing, locale-formatted amount strings into
// canonical decimal values and back.
package amount

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrMalformedAmount is returned when an input holds no parseable number.
var ErrMalformedAmount = errors.New("malformed amount")

// Convention selects which character separates the fraction digits.
type Convention int

const (
	// Auto infers the decimal separator from the input.
	Auto Convention = iota
	// DecimalPoint reads "1,234.56".
	DecimalPoint
	// DecimalComma reads "1.234,56".
	DecimalComma
)

// String returns the config name of the convention.
func (c Convention) String() string {
	switch c {
	case DecimalPoint:
		return "point"
	case DecimalComma:
		return "comma"
	default:
		return "auto"
	}
}

// ParseConvention maps a config value ("auto", "point", "comma") to a Convention.
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "point", "decimal_point", "dot":
		return DecimalPoint, nil
	case "comma", "decimal_comma":
		return DecimalComma, nil
	default:
		return Auto, fmt.Errorf("unknown amount convention %q", s)
	}
}

// Normalize parses raw into a canonical signed decimal.
//
// The input may carry a leading or trailing sign, a unicode minus, parentheses
// for negatives, currency symbols or codes around the number, and space or
// apostrophe digit grouping. With Auto, the right-most separator is the decimal
// separator when both appear; a single separator is treated as decimal and a
// repeated one as grouping.
func Normalize(raw string, conv Convention) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty value", ErrMalformedAmount)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	runes := []rune(s)
	first, last := -1, -1
	for i, r := range runes {
		if isDigit(r) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return decimal.Zero, fmt.Errorf("%w: %q has no digits", ErrMalformedAmount, raw)
	}
	// ".50" and ",50" start with the separator.
	if first > 0 && isSeparator(runes[first-1]) {
		first--
	}

	for _, part := range [][]rune{runes[:first], runes[last+1:]} {
		for _, r := range part {
			switch {
			case isMinus(r):
				negative = true
			case r == '+' || unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.Is(unicode.Sc, r):
			default:
				return decimal.Zero, fmt.Errorf("%w: unexpected %q in %q", ErrMalformedAmount, r, raw)
			}
		}
	}

	var body strings.Builder
	for _, r := range runes[first : last+1] {
		switch {
		case isDigit(r), isSeparator(r):
			body.WriteRune(r)
		case isGrouping(r):
		default:
			return decimal.Zero, fmt.Errorf("%w: unexpected %q in %q", ErrMalformedAmount, r, raw)
		}
	}

	canonical, err := canonicalize(body.String(), conv)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrMalformedAmount, raw, err)
	}

	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrMalformedAmount, raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// canonicalize rewrites digits and separators into "1234.56" form.
func canonicalize(s string, conv Convention) (string, error) {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	var decimalSep rune
	switch conv {
	case DecimalPoint:
		decimalSep = '.'
	case DecimalComma:
		decimalSep = ','
	default:
		switch {
		case dots > 0 && commas > 0:
			if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
				decimalSep = '.'
			} else {
				decimalSep = ','
			}
		case commas == 1:
			decimalSep = ','
		case dots == 1:
			decimalSep = '.'
		}
	}

	if decimalSep != 0 && strings.Count(s, string(decimalSep)) > 1 {
		return "", fmt.Errorf("more than one decimal separator")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case isDigit(r):
			b.WriteRune(r)
		case r == decimalSep:
			b.WriteByte('.')
		}
	}

	out := b.String()
	if strings.HasPrefix(out, ".") {
		out = "0" + out
	}
	out = strings.TrimSuffix(out, ".")
	return out, nil
}

// Format renders d with digit grouping and at least two fraction digits in
// the given convention. Auto formats like DecimalPoint.
// Normalize(Format(d, c), c) is numerically equal to d.
func Format(d decimal.Decimal, conv Convention) string {
	grouping, decimalSep := ",", "."
	if conv == DecimalComma {
		grouping, decimalSep = ".", ","
	}

	places := int32(2)
	if exp := -d.Exponent(); exp > places {
		places = exp
	}

	fixed := d.Abs().StringFixed(places)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteString(grouping)
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteString(decimalSep)
		b.WriteString(frac)
	}
	return b.String()
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isSeparator(r rune) bool { return r == '.' || r == ',' }

func isMinus(r rune) bool { return r == '-' || r == '\u2212' || r == '\u2013' }

func isGrouping(r rune) bool {
	switch r {
	case ' ', '\u00a0', '\u202f', '\u2009', '\'', '\u2019':
		return true
	}
	return false
}
