package pii

import "sort"

// Redact applies the confirmed findings to originalText and returns the
// masked text plus the mask -> original map for later restoration.
//
// Findings are applied in descending start order: each splice changes the
// length of the working text, so applying front to back would invalidate the
// offsets of every later finding. Unconfirmed findings are left as plain
// text; the reviewer explicitly chose not to mask them.
func Redact(originalText string, findings []Finding) RedactionResult {
	confirmed := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Confirmed {
			confirmed = append(confirmed, f)
		}
	}

	sort.Slice(confirmed, func(i, j int) bool {
		return confirmed[i].Start > confirmed[j].Start
	})

	masked := originalText
	maskMap := make(map[string]string, len(confirmed))

	for _, f := range confirmed {
		if f.Start < 0 || f.End > len(masked) || f.Start >= f.End {
			continue
		}
		// Repeats of the same value share a mask, so rewriting the same key
		// is idempotent: the original substring is identical each time.
		maskMap[f.Mask] = masked[f.Start:f.End]
		masked = masked[:f.Start] + f.Mask + masked[f.End:]
	}

	return RedactionResult{MaskedText: masked, MaskMap: maskMap}
}
