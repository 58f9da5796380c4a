package importer

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// defaultDateLayouts are tried in order when no date format is configured.
// Day-first layouts come before month-first ones. Unpadded day and month
// fields also accept zero-padded values.
var defaultDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"2/1/2006",
	"2.1.2006",
	"2-1-2006",
	"1/2/2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"20060102",
}

// ParseDate parses s with layout, or with the default layouts when layout is
// empty.
func ParseDate(s, layout string) (civil.Date, error) {
	d, _, err := DetectDate(s, layout)
	return d, err
}

// DetectDate is ParseDate that also returns the layout that matched.
func DetectDate(s, layout string) (civil.Date, string, error) {
	s = strings.TrimSpace(s)
	if layout != "" {
		t, err := time.Parse(layout, s)
		if err != nil {
			return civil.Date{}, "", fmt.Errorf("%w: %q does not match %q", ErrMalformedDate, s, layout)
		}
		return civil.DateOf(t), layout, nil
	}
	for _, l := range defaultDateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return civil.DateOf(t), l, nil
		}
	}
	return civil.Date{}, "", fmt.Errorf("%w: %q", ErrMalformedDate, s)
}
