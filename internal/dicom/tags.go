package dicom

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// TagScope tells where an override applies when writing a labelmap series.
type TagScope int

const (
	// ScopeSeries tags are identical on every written slice.
	ScopeSeries TagScope = iota
	// ScopeImage tags may be rewritten per slice.
	ScopeImage
)

// String returns the string representation of a TagScope.
func (s TagScope) String() string {
	switch s {
	case ScopeSeries:
		return "Series"
	case ScopeImage:
		return "Image"
	default:
		return "Unknown"
	}
}

// TagInfo describes a tag that may be overridden on written labelmaps.
type TagInfo struct {
	Name  string
	Tag   tag.Tag
	Scope TagScope
}

// overridableTags maps lowercase tag names to their TagInfo. Identity tags
// (UIDs, geometry, pixel module) are deliberately absent.
var overridableTags = map[string]TagInfo{
	"patientname":       {Name: "PatientName", Tag: tag.PatientName, Scope: ScopeSeries},
	"patientid":         {Name: "PatientID", Tag: tag.PatientID, Scope: ScopeSeries},
	"studydescription":  {Name: "StudyDescription", Tag: tag.StudyDescription, Scope: ScopeSeries},
	"seriesdescription": {Name: "SeriesDescription", Tag: tag.SeriesDescription, Scope: ScopeSeries},
	"bodypartexamined":  {Name: "BodyPartExamined", Tag: tag.BodyPartExamined, Scope: ScopeSeries},
	"institutionname":   {Name: "InstitutionName", Tag: tag.InstitutionName, Scope: ScopeSeries},
	"operatorsname":     {Name: "OperatorsName", Tag: tag.OperatorsName, Scope: ScopeSeries},
	"manufacturer":      {Name: "Manufacturer", Tag: tag.Manufacturer, Scope: ScopeSeries},
	"imagecomments":     {Name: "ImageComments", Tag: tag.ImageComments, Scope: ScopeImage},
	"derivationdescription": {
		Name: "DerivationDescription", Tag: tag.DerivationDescription, Scope: ScopeImage,
	},
}

// LookupTag returns the overridable tag with the given name. The lookup is
// case-insensitive and unknown names get a suggestion when one is close.
func LookupTag(name string) (TagInfo, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if info, ok := overridableTags[key]; ok {
		return info, nil
	}
	if suggestion := closestTagName(key); suggestion != "" {
		return TagInfo{}, fmt.Errorf("unknown tag %q, did you mean %q?", name, suggestion)
	}
	return TagInfo{}, fmt.Errorf("unknown tag %q", name)
}

// ParseTagOverrides resolves "Name=Value" pairs.
func ParseTagOverrides(pairs []string) (map[TagInfo]string, error) {
	out := make(map[TagInfo]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tag override %q: expected Name=Value", pair)
		}
		info, err := LookupTag(name)
		if err != nil {
			return nil, err
		}
		out[info] = value
	}
	return out, nil
}

func closestTagName(input string) string {
	const maxDistance = 4
	best, match := maxDistance+1, ""
	for key, info := range overridableTags {
		if d := levenshtein(input, key); d < best || (d == best && info.Name < match) {
			best, match = d, info.Name
		}
	}
	if best <= maxDistance {
		return match
	}
	return ""
}

// levenshtein is the single-character edit distance between a and b.
func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
