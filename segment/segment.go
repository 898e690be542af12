// Package segment turns a conditioned recording's annotation list into
// ordered, non-overlapping labeled segments: labels are cleaned and
// translated onto the canonical set, technical markers are excluded,
// intervals are clipped to the recording, overlaps are resolved with a
// later-onset-wins policy, adjacent same-label intervals are merged,
// and short remnants are discarded.
package segment

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"eeg-pipeline/models"
)

// LabelUnknown is the canonical label assigned to annotations whose
// cleaned text matches no translation entry.
const LabelUnknown = "Unknown"

// CanonicalLabels is the fixed label set segments are grouped under.
var CanonicalLabels = []string{
	"Baseline", "EyesOpen", "EyesClosed", "PhoticStim", "Hypervent", "PostStim", LabelUnknown,
}

// mergeTolerance is the largest gap, in seconds, closed between two
// adjacent intervals carrying the same canonical label.
const mergeTolerance = 0.5

// Config holds the segmentation parameters. Translations maps cleaned
// raw labels to canonical ones; canonical labels are always fixed
// points even when absent from the table. Excluded labels are dropped
// before translation.
type Config struct {
	MinSegmentDuration float64
	Translations       map[string]string
	Excluded           map[string]bool
}

// Translate maps a cleaned label onto the canonical set. Canonical
// labels map to themselves, so translation is idempotent; anything
// unmapped becomes Unknown.
func (c Config) Translate(label string) string {
	if canonical, ok := c.Translations[label]; ok {
		return canonical
	}
	for _, l := range CanonicalLabels {
		if label == l {
			return l
		}
	}
	return LabelUnknown
}

// CleanLabel normalizes a raw annotation label: Unicode NFC, bracketed
// runs removed, surrounding whitespace trimmed. The source hardware
// appends machine details in brackets, e.g. "Фотостимуляция [10 Гц]".
func CleanLabel(raw string) string {
	s := norm.NFC.String(raw)
	s = stripBracketed(s, '[', ']')
	s = stripBracketed(s, '(', ')')
	return strings.Join(strings.Fields(s), " ")
}

func stripBracketed(s string, open, close rune) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == open:
			depth++
		case r == close && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// interval is one annotation interval in seconds, after translation.
type interval struct {
	start, end float64
	label      string
}

// Run derives the recording's segments from its annotations. Malformed
// annotations are dropped with a warning rather than failing the file.
// The returned segments are sorted by start, non-overlapping, and
// bounded by the recording.
func Run(rec *models.Recording, cfg Config) ([]models.Segment, []string, error) {
	duration := rec.Duration()
	var warnings []string
	var intervals []interval

	for _, a := range rec.Annotations {
		if math.IsNaN(a.Onset) || math.IsNaN(a.Duration) || a.Duration < 0 || a.Onset >= duration {
			warnings = append(warnings, fmt.Sprintf("dropped malformed annotation %q at %.3fs (duration %.3fs)", a.Label, a.Onset, a.Duration))
			continue
		}

		cleaned := CleanLabel(a.Label)
		if cfg.Excluded[cleaned] {
			continue
		}
		label := cfg.Translate(cleaned)
		if cfg.Excluded[label] {
			continue
		}

		iv := interval{start: a.Onset, end: a.Onset + a.Duration, label: label}
		if iv.start < 0 {
			iv.start = 0
		}
		if iv.end > duration {
			iv.end = duration
		}
		if iv.end <= iv.start {
			continue
		}
		intervals = append(intervals, iv)
	}

	sort.SliceStable(intervals, func(a, b int) bool {
		return intervals[a].start < intervals[b].start
	})

	resolved := resolveOverlaps(intervals)
	merged := mergeAdjacent(resolved)

	var segments []models.Segment
	for _, iv := range merged {
		if iv.end-iv.start < cfg.MinSegmentDuration {
			continue
		}
		start := int(math.Round(iv.start * rec.SampleRate))
		end := int(math.Round(iv.end * rec.SampleRate))
		if end > rec.Samples() {
			end = rec.Samples()
		}
		if end <= start {
			continue
		}
		// successive rounds can touch; segments stay disjoint
		if n := len(segments); n > 0 && start < segments[n-1].EndSample {
			start = segments[n-1].EndSample
			if end <= start {
				continue
			}
		}
		segments = append(segments, models.Segment{
			Label:       iv.label,
			StartSample: start,
			EndSample:   end,
		})
	}

	return segments, warnings, nil
}

// resolveOverlaps enforces the later-onset-wins policy over a
// start-sorted interval list: when a later annotation begins before an
// earlier one ends, the earlier interval is truncated at the later
// onset and does not resume afterwards. Equal onsets keep only the
// later list entry.
func resolveOverlaps(intervals []interval) []interval {
	var out []interval
	for _, iv := range intervals {
		for len(out) > 0 && out[len(out)-1].start >= iv.start {
			out = out[:len(out)-1]
		}
		if len(out) > 0 && out[len(out)-1].end > iv.start {
			out[len(out)-1].end = iv.start
		}
		out = append(out, iv)
	}
	return out
}

// mergeAdjacent joins consecutive same-label intervals whose gap is
// within the merge tolerance.
func mergeAdjacent(intervals []interval) []interval {
	var out []interval
	for _, iv := range intervals {
		if n := len(out); n > 0 &&
			out[n-1].label == iv.label &&
			iv.start-out[n-1].end <= mergeTolerance {
			if iv.end > out[n-1].end {
				out[n-1].end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
