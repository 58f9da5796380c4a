package importer

import (
	"context"
	"strings"

	"github.com/mossida/midday/internal/amount"
	"github.com/mossida/midday/internal/domain"
)

// Suggester proposes a column mapping from a file's headers and sample rows.
type Suggester interface {
	SuggestMapping(ctx context.Context, headers []string, samples []map[string]string) (domain.ImportMapping, error)
}

// HeuristicSuggester matches header names against known keywords and falls
// back to sample values.
type HeuristicSuggester struct{}

// SuggestMapping implements Suggester.
func (HeuristicSuggester) SuggestMapping(_ context.Context, headers []string, samples []map[string]string) (domain.ImportMapping, error) {
	return Suggest(headers, samples), nil
}

var headerKeywords = map[string][]string{
	"date":        {"booking date", "transaction date", "value date", "posted", "date", "datum", "data", "fecha"},
	"amount":      {"amount", "amt", "betrag", "importo", "montant", "importe", "value", "sum"},
	"description": {"description", "desc", "details", "memo", "payee", "narrative", "merchant", "name", "text", "reference", "verwendungszweck", "causale", "libelle"},
	"balance":     {"balance", "saldo", "solde", "running"},
}

// Suggest returns the best-effort mapping for headers. Columns are matched by
// keyword first; unmatched required fields are filled from sample values.
func Suggest(headers []string, samples []map[string]string) domain.ImportMapping {
	used := make(map[string]bool)
	pick := func(field string) string {
		for _, kw := range headerKeywords[field] {
			for _, h := range headers {
				if used[h] {
					continue
				}
				if strings.Contains(strings.ToLower(h), kw) {
					used[h] = true
					return h
				}
			}
		}
		return ""
	}

	// balance first so "balance amount" is not taken as the amount
	var m domain.ImportMapping
	m.Balance = pick("balance")
	m.Date = pick("date")
	m.Amount = pick("amount")
	m.Description = pick("description")

	if m.Date == "" {
		m.Date = pickBySample(headers, samples, used, func(v string) bool {
			_, err := ParseDate(v, "")
			return err == nil
		})
	}
	if m.Amount == "" {
		m.Amount = pickBySample(headers, samples, used, func(v string) bool {
			_, err := amount.Normalize(v, amount.Auto)
			return err == nil
		})
	}
	if m.Description == "" {
		m.Description = longestTextColumn(headers, samples, used)
	}
	return m
}

func pickBySample(headers []string, samples []map[string]string, used map[string]bool, match func(string) bool) string {
	if len(samples) == 0 {
		return ""
	}
	for _, h := range headers {
		if used[h] {
			continue
		}
		ok := true
		for _, s := range samples {
			if v := strings.TrimSpace(s[h]); v == "" || !match(v) {
				ok = false
				break
			}
		}
		if ok {
			used[h] = true
			return h
		}
	}
	return ""
}

func longestTextColumn(headers []string, samples []map[string]string, used map[string]bool) string {
	best, bestLen := "", 0
	for _, h := range headers {
		if used[h] {
			continue
		}
		n := 0
		for _, s := range samples {
			n += len(strings.TrimSpace(s[h]))
		}
		if n > bestLen {
			best, bestLen = h, n
		}
	}
	if best != "" {
		used[best] = true
	}
	return best
}

// Suggestion is a proposed mapping for a file.
type Suggestion struct {
	Headers    []string             `json:"headers"`
	Mappings   domain.ImportMapping `json:"mappings"`
	Convention string               `json:"convention"`
}

// DetectConvention guesses the number format of column from sample values.
// It returns Auto when the samples do not decide.
func DetectConvention(samples []map[string]string, column string) amount.Convention {
	comma, point := 0, 0
	for _, s := range samples {
		v := strings.TrimSpace(s[column])
		lastComma, lastDot := strings.LastIndexByte(v, ','), strings.LastIndexByte(v, '.')
		switch {
		case lastComma >= 0 && lastDot >= 0:
			if lastComma > lastDot {
				comma++
			} else {
				point++
			}
		case lastComma >= 0 && fractionDigits(v[lastComma+1:]):
			comma++
		case lastDot >= 0 && fractionDigits(v[lastDot+1:]):
			point++
		}
	}
	switch {
	case comma > point:
		return amount.DecimalComma
	case point > comma:
		return amount.DecimalPoint
	default:
		return amount.Auto
	}
}

// fractionDigits reports whether s starts with one or two digits and no more.
func fractionDigits(s string) bool {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n++
	}
	return n == 1 || n == 2
}
