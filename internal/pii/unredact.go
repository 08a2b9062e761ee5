package pii

import (
	"sort"
	"strings"
)

// Unredact restores original values in text that echoes masks verbatim,
// typically the analysis service's output.
//
// Masks are replaced longest first: one mask string can be a literal
// substring of another (e.g. "[TELEFON A]" inside "[TELEFON AB]"), and
// processing the shorter one first would corrupt the longer match. Tokens not
// present in maskMap are left untouched.
func Unredact(text string, maskMap map[string]string) string {
	if len(maskMap) == 0 {
		return text
	}

	masks := make([]string, 0, len(maskMap))
	for mask := range maskMap {
		masks = append(masks, mask)
	}

	sort.Slice(masks, func(i, j int) bool {
		if len(masks[i]) != len(masks[j]) {
			return len(masks[i]) > len(masks[j])
		}
		return masks[i] < masks[j]
	})

	restored := text
	for _, mask := range masks {
		restored = strings.ReplaceAll(restored, mask, maskMap[mask])
	}

	return restored
}
