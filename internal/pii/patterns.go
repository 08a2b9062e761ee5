package pii

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultPatterns returns the built-in pattern catalog.
//
// The rules are deliberately broad: the organization-number rule matches any
// grouped 9-digit number, the national-id rule any 11-digit number. False
// positives are expected and resolved by human review, not by the pattern.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Category: CategoryNationalID,
			Label:    "FNR",
			Pattern:  regexp.MustCompile(`\b\d{6}\s?\d{5}\b`),
			Strategy: StrategyFullRemoval,
		},
		{
			Category:     CategoryBankAccount,
			Label:        "KONTO",
			Pattern:      regexp.MustCompile(`\b\d{4}[.\s]?\d{2}[.\s]?\d{5}\b`),
			Strategy:     StrategyPartialReveal,
			RevealDigits: 5,
		},
		{
			Category:     CategoryIBAN,
			Label:        "IBAN",
			Pattern:      regexp.MustCompile(`\b[A-Z]{2}\d{2}\s?[A-Z0-9]{4}\s?(?:[A-Z0-9]{4}\s?){1,7}[A-Z0-9]{1,4}\b`),
			Strategy:     StrategyPartialReveal,
			RevealDigits: 4,
		},
		{
			Category: CategoryPhone,
			Label:    "TELEFON",
			Pattern:  regexp.MustCompile(`(?:\+47\s?)?\b\d{2}\s?\d{2}\s?\d{2}\s?\d{2}\b`),
			Strategy: StrategyFullRemoval,
		},
		{
			Category: CategoryEmail,
			Label:    "EPOST",
			Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Strategy: StrategyFullRemoval,
		},
		{
			Category: CategoryAddress,
			Label:    "ADRESSE",
			Pattern:  regexp.MustCompile(`(?i)\b\p{L}+(?:veien|vegen|gata|gaten|gate|vei|alleen|plassen|svingen|bakken|tunet)\s+\d{1,3}[A-Za-z]?\b`),
			Strategy: StrategyFullRemoval,
		},
		{
			Category: CategoryOrgNumber,
			Label:    "ORGNR",
			Pattern:  regexp.MustCompile(`\b\d{3}[.\s]?\d{3}[.\s]?\d{3}\b`),
			Strategy: StrategyFullRemoval,
		},
	}
}

// maskFor computes the mask for a normalized value. seq is the per-category,
// per-detection-call sequence number of this value (1-based).
func (p Pattern) maskFor(normalized string, seq int) string {
	if p.Strategy == StrategyPartialReveal {
		digits := digitsOnly(normalized)
		reveal := p.RevealDigits
		if reveal > len(digits) {
			reveal = len(digits)
		}
		return fmt.Sprintf("[%s *%s]", p.Label, digits[len(digits)-reveal:])
	}
	return fmt.Sprintf("[%s %s]", p.Label, letterToken(seq))
}

// letterToken derives the sequential token for the n-th unique value of a
// full-removal category: A, B, ..., Z, AA, AB, ...
func letterToken(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// normalize strips all whitespace so that differently spaced renderings of
// the same value share one mask within a detection call.
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
