// Package filter protects images from the reaper by their tags.
package filter

import (
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// ReasonFiltered is the exclusion reason for images a Filter rejects.
const ReasonFiltered = "filtered by tag"

// Filter decides which candidate images the reaper may consider.
// A nil Filter allows everything.
type Filter struct {
	includeTags map[string]string
	excludeTags map[string]string
}

// New creates a Filter. Every include tag must match for an image to be
// considered; any matching exclude tag protects it.
func New(includeTags, excludeTags map[string]string) *Filter {
	return &Filter{
		includeTags: includeTags,
		excludeTags: excludeTags,
	}
}

// Allows reports whether img passes the tag filters.
func (f *Filter) Allows(img fleet.TaggedImage) bool {
	if f.IsEmpty() {
		return true
	}

	for k, v := range f.includeTags {
		if img.Tags == nil || img.Tags[k] != v {
			return false
		}
	}

	for k, v := range f.excludeTags {
		if img.Tags != nil && img.Tags[k] == v {
			return false
		}
	}

	return true
}

// Entries splits entries into those the filter allows and exclusions for
// the rest. Input order is preserved.
func (f *Filter) Entries(entries []fleet.TagEntry) ([]fleet.TagEntry, []fleet.Exclusion) {
	if f.IsEmpty() {
		return entries, nil
	}

	allowed := make([]fleet.TagEntry, 0, len(entries))
	var excluded []fleet.Exclusion
	for _, e := range entries {
		if f.Allows(e.Image) {
			allowed = append(allowed, e)
			continue
		}
		excluded = append(excluded, fleet.Exclusion{
			ImageID:  e.Image.ImageID,
			TagValue: e.Image.TagValue,
			Reason:   ReasonFiltered,
		})
	}
	return allowed, excluded
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.includeTags) == 0 && len(f.excludeTags) == 0)
}
