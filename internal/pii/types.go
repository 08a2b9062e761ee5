package pii

import "regexp"

// MaskStrategy determines how much of a matched value survives in its mask.
type MaskStrategy string

const (
	// StrategyFullRemoval replaces the match with an opaque, sequentially
	// lettered token; nothing of the original value survives.
	StrategyFullRemoval MaskStrategy = "full_removal"
	// StrategyPartialReveal preserves a fixed suffix of the matched digits so
	// two masked values of the same category remain distinguishable.
	StrategyPartialReveal MaskStrategy = "partial_reveal"
)

// Category identifies a class of sensitive value.
type Category string

// Supported PII categories. The catalog is Norwegian-locale only; free-text
// names have no rule on purpose (see DESIGN.md).
const (
	CategoryNationalID  Category = "national_id"
	CategoryBankAccount Category = "bank_account"
	CategoryIBAN        Category = "iban"
	CategoryPhone       Category = "phone"
	CategoryEmail       Category = "email"
	CategoryAddress     Category = "address"
	CategoryOrgNumber   Category = "org_number"
)

// Pattern represents a single PII detection rule
type Pattern struct {
	Category     Category
	Label        string
	Pattern      *regexp.Regexp
	Strategy     MaskStrategy
	RevealDigits int // suffix length preserved for partial_reveal
}

// Finding represents one detected PII occurrence in a specific text snapshot.
// Start and End are byte offsets into the text the finding was produced from;
// a Finding is meaningless against any other text.
type Finding struct {
	Category     Category `json:"category"`
	Start        int      `json:"start"`
	End          int      `json:"end"`
	OriginalText string   `json:"-"` // never serialized outward
	Mask         string   `json:"mask"`
	Confirmed    bool     `json:"confirmed"`
}

// RedactionResult contains the masked text and the reverse map produced by a
// single redaction event. It is immutable once produced.
type RedactionResult struct {
	MaskedText string            `json:"maskedText"`
	MaskMap    map[string]string `json:"maskMap"` // mask -> exact original substring
}
