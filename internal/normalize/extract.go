package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// DefaultMediaFields are the field names scanned when none are configured.
var DefaultMediaFields = []string{
	"media", "images", "image", "photos", "photo", "gallery", "videos", "video",
	"thumbnail", "thumbnailUrl", "imageUrl", "photoUrl", "videoUrl", "avatar",
	"avatarUrl", "coverImage", "mainImage", "profileImage",
}

// Matcher decides which document fields hold media. Names compare case-insensitively.
type Matcher struct {
	fields map[string]struct{}
}

// NewMatcher builds a Matcher; an empty list falls back to DefaultMediaFields.
func NewMatcher(fields []string) Matcher {
	if len(fields) == 0 {
		fields = DefaultMediaFields
	}
	m := Matcher{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			m.fields[f] = struct{}{}
		}
	}
	return m
}

// Match reports whether name is a configured media field.
func (m Matcher) Match(name string) bool {
	_, ok := m.fields[strings.ToLower(name)]
	return ok
}

// Located is one media entry together with the path it was read from.
type Located struct {
	Path  validation.FieldPath
	Entry validation.MediaEntry
}

// Extraction is everything Extract found in one document.
type Extraction struct {
	Items     []Located
	Malformed int
	Defects   []validation.NormalizationDefect
}

// Extract walks doc in key order and normalizes every field the matcher selects.
// A media field holding a blank string yields an entry with an empty URL so the
// classifier can report it as missing. Keys a FieldPath cannot address are
// skipped and reported as defects.
func Extract(doc map[string]any, m Matcher) Extraction {
	var out Extraction
	walk(doc, nil, m, &out)
	return out
}

func walk(node any, prefix validation.FieldPath, m Matcher, out *Extraction) {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !validation.Addressable(k) {
				// Nothing below such a key could be written back by path.
				if m.Match(k) {
					out.Malformed++
				}
				out.Defects = append(out.Defects, validation.NormalizationDefect{
					Path:   prefix,
					Reason: fmt.Sprintf("key %q cannot be addressed by a field path", k),
				})
				continue
			}
			path := prefix.Append(validation.Key(k))
			if m.Match(k) {
				extractField(path, v[k], out)
				continue
			}
			walk(v[k], path, m, out)
		}
	case []any:
		for i, elem := range v {
			walk(elem, prefix.Append(validation.Index(i)), m, out)
		}
	}
}

func extractField(path validation.FieldPath, raw any, out *Extraction) {
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		out.Items = append(out.Items, Located{
			Path:  path,
			Entry: validation.MediaEntry{Type: validation.MediaUnknown, URL: s},
		})
		return
	}

	res := Normalize(raw)
	out.Malformed += res.Malformed
	if res.Kind == KindUnsupported {
		out.Defects = append(out.Defects, validation.NormalizationDefect{
			Path:   path,
			Reason: "unsupported media encoding",
		})
		return
	}
	if res.Malformed > 0 {
		out.Defects = append(out.Defects, validation.NormalizationDefect{
			Path:   path,
			Reason: "dropped elements without a usable url",
		})
	}

	for _, e := range res.Entries {
		p := path
		if e.Positional {
			p = p.Append(e.Segment)
		}
		if e.URLKey != "" {
			p = p.Append(validation.Key(e.URLKey))
		}
		out.Items = append(out.Items, Located{Path: p, Entry: e.MediaEntry})
	}
}
