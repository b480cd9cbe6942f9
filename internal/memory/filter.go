package memory

import (
	"regexp"
	"strings"
)

const DefaultNoveltyThreshold = 0.8

var termRegex = regexp.MustCompile(`\p{Han}|[\p{L}\p{N}_]+`)

// Filter merges a candidate summary into the existing long-term summary,
// keeping only what is new or still relevant.
type Filter interface {
	Filter(existing, candidate string) string
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(existing, candidate string) string

func (f FilterFunc) Filter(existing, candidate string) string {
	return f(existing, candidate)
}

// NoveltyFilter keeps every existing line and appends the candidate lines that
// are not mostly contained in an existing line. Containment is the share of a
// candidate line's terms that also occur in the closest existing line.
type NoveltyFilter struct {
	Threshold float64
}

func (f NoveltyFilter) Filter(existing, candidate string) string {
	threshold := f.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNoveltyThreshold
	}

	kept := summaryLines(existing)
	known := make([]map[string]struct{}, 0, len(kept))
	for _, line := range kept {
		known = append(known, termSet(line))
	}

	for _, line := range summaryLines(candidate) {
		terms := termSet(line)
		if len(terms) == 0 {
			continue
		}
		if maxContainment(terms, known) >= threshold {
			continue
		}
		kept = append(kept, line)
		known = append(known, terms)
	}
	return strings.Join(kept, "\n")
}

func summaryLines(text string) []string {
	out := make([]string, 0)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range termRegex.FindAllString(strings.ToLower(text), -1) {
		set[t] = struct{}{}
	}
	return set
}

func maxContainment(terms map[string]struct{}, known []map[string]struct{}) float64 {
	best := 0.0
	for _, other := range known {
		shared := 0
		for t := range terms {
			if _, ok := other[t]; ok {
				shared++
			}
		}
		if c := float64(shared) / float64(len(terms)); c > best {
			best = c
		}
	}
	return best
}
