package pii

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dokvern/privshield/internal/config"
	"github.com/dokvern/privshield/internal/logger"
	"go.uber.org/zap"
)

// Detector scans text against the pattern catalog and produces a
// deduplicated, non-overlapping, position-sorted list of findings.
type Detector struct {
	mu       sync.RWMutex
	patterns []Pattern
	enabled  map[Category]bool
	logger   *logger.Logger
	config   config.ShieldConfig
}

// NewDetector creates a new PII detector instance
func NewDetector(cfg config.ShieldConfig, log *logger.Logger) (*Detector, error) {
	detector := &Detector{
		patterns: DefaultPatterns(),
		enabled:  make(map[Category]bool),
		logger:   log,
		config:   cfg,
	}

	if err := detector.configureDetectors(cfg.Detectors); err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	log.Info("PII detector initialized",
		zap.Int("total_patterns", len(detector.patterns)),
		zap.Int("enabled_patterns", len(detector.EnabledCategories())),
	)

	return detector, nil
}

// configureDetectors enables/disables pattern categories based on configuration
func (d *Detector) configureDetectors(detectors []string) error {
	for _, p := range d.patterns {
		d.enabled[p.Category] = false
	}

	for _, name := range detectors {
		if name == "all" {
			for _, p := range d.patterns {
				d.enabled[p.Category] = true
			}
			continue
		}

		found := false
		for _, p := range d.patterns {
			if string(p.Category) == name {
				d.enabled[p.Category] = true
				found = true
				break
			}
		}

		if !found {
			return fmt.Errorf("unknown detector: %s", name)
		}
	}

	return nil
}

// Reload replaces the detector configuration, typically on a config file
// change. An invalid configuration leaves the current one in place.
func (d *Detector) Reload(cfg config.ShieldConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.enabled
	d.enabled = make(map[Category]bool)
	if err := d.configureDetectors(cfg.Detectors); err != nil {
		d.enabled = previous
		return fmt.Errorf("failed to reconfigure detectors: %w", err)
	}
	d.config = cfg

	d.logger.Info("PII detector reconfigured",
		zap.Int("enabled_patterns", len(d.enabledCategories())),
	)
	return nil
}

// EnabledCategories returns the categories currently enabled
func (d *Detector) EnabledCategories() []Category {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabledCategories()
}

func (d *Detector) enabledCategories() []Category {
	var enabled []Category
	for _, p := range d.patterns {
		if d.enabled[p.Category] {
			enabled = append(enabled, p.Category)
		}
	}
	return enabled
}

// Detect scans text with every enabled pattern and returns the surviving
// findings sorted ascending by start offset, overlaps resolved.
//
// Mask assignment is scoped to this single call: the same normalized value
// always receives the same mask within one call, and nothing carries over to
// the next call or the next document.
func (d *Detector) Detect(text string) []Finding {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.config.Enabled {
		return nil
	}

	var findings []Finding
	for _, p := range d.patterns {
		if !d.enabled[p.Category] {
			continue
		}
		findings = append(findings, scanCategory(text, p)...)
	}

	sortFindings(findings)
	resolved := resolveOverlaps(findings)

	if len(resolved) > 0 {
		d.logger.Debug("PII detected",
			zap.Int("findings", len(resolved)),
			zap.Int("dropped_overlaps", len(findings)-len(resolved)),
		)
	}

	return resolved
}

// scanCategory runs one pattern over the full text. Each category scan owns
// its mask table and sequence counter; no state crosses category boundaries.
func scanCategory(text string, p Pattern) []Finding {
	masks := make(map[string]string)
	taken := make(map[string]bool)
	seq := 0

	var out []Finding
	for _, loc := range p.Pattern.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		key := normalize(raw)

		mask, seen := masks[key]
		if !seen {
			seq++
			mask = p.maskFor(key, seq)
			// Two distinct values can share a partial-reveal suffix; the
			// later one gets a sequence letter appended to keep masks unique.
			if taken[mask] {
				mask = mask[:len(mask)-1] + " " + letterToken(seq) + "]"
			}
			masks[key] = mask
			taken[mask] = true
		}

		out = append(out, Finding{
			Category:     p.Category,
			Start:        loc[0],
			End:          loc[1],
			OriginalText: raw,
			Mask:         mask,
			Confirmed:    true,
		})
	}

	return out
}

// sortFindings orders findings ascending by start; at equal start the longer
// match sorts first so overlap resolution keeps it. The sort is stable so
// same-span matches from two categories keep catalog order, and resolution
// then keeps the earlier one.
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
}

// resolveOverlaps walks the sorted findings left to right keeping one winner
// per overlapping pair: the longer match, or the earlier one on equal length.
// A 9-digit org-number-shaped substring inside an IBAN match loses to the
// IBAN this way.
func resolveOverlaps(findings []Finding) []Finding {
	if len(findings) == 0 {
		return findings
	}

	kept := []Finding{findings[0]}
	for _, f := range findings[1:] {
		last := kept[len(kept)-1]
		if f.Start >= last.End {
			kept = append(kept, f)
			continue
		}
		if len(f.OriginalText) > len(last.OriginalText) {
			kept[len(kept)-1] = f
		}
	}

	return kept
}
