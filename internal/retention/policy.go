package retention

import (
	"cmp"
	"slices"
	"strings"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Exclusion reasons recorded by Candidates.
const (
	ReasonUnparseable = "unparseable"
)

// Candidates keeps the images whose label the parser matches against prefix
// and parses them. Values that fail to parse are reported as exclusions;
// values outside the prefix are skipped silently since they belong to other
// fleets.
func Candidates(images []fleet.TaggedImage, prefix string, parser Parser) ([]fleet.TagEntry, []fleet.Exclusion) {
	entries := make([]fleet.TagEntry, 0, len(images))
	var excluded []fleet.Exclusion

	for _, img := range images {
		if !parser.Matches(img.TagValue, prefix) {
			continue
		}

		tag, err := parser.Parse(strings.TrimSpace(img.TagValue))
		if err != nil {
			excluded = append(excluded, fleet.Exclusion{
				ImageID:  img.ImageID,
				TagValue: img.TagValue,
				Reason:   ReasonUnparseable + ": " + err.Error(),
			})
			continue
		}
		entries = append(entries, fleet.TagEntry{Image: img, Tag: tag})
	}
	return entries, excluded
}

// Decide splits entries into the newest minimumToRetain (Keep) and the rest
// (Remove). Entries are ordered by ascending sequence; equal sequences keep
// their input order. Remove is oldest first.
func Decide(entries []fleet.TagEntry, minimumToRetain int) (fleet.Decision, error) {
	if minimumToRetain < 0 {
		return fleet.Decision{}, &fleet.ConfigError{Field: "reap.minimum_to_retain", Reason: "must not be negative"}
	}

	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b fleet.TagEntry) int {
		return cmp.Compare(a.Tag.Sequence, b.Tag.Sequence)
	})

	if len(sorted) <= minimumToRetain {
		return fleet.Decision{Keep: sorted, Remove: []fleet.TagEntry{}}, nil
	}

	cut := len(sorted) - minimumToRetain
	return fleet.Decision{
		Remove: sorted[:cut:cut],
		Keep:   sorted[cut:],
	}, nil
}
