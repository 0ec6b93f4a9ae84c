package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a FieldPath: either a map key or a list index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key builds a map-key segment.
func Key(k string) Segment { return Segment{Key: k} }

// Index builds a list-index segment.
func Index(i int) Segment { return Segment{Index: i, IsIndex: true} }

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Key
}

// FieldPath addresses a single value inside a document. Keys render as-is and
// list indices as [n], joined by dots: media.[2].url, profile.photoUrl.
// Numeric-string map keys stay keys (media.0.url) so writes land on the stored shape.
type FieldPath []Segment

// ErrInvalidFieldPath is returned when a rendered path cannot be parsed.
var ErrInvalidFieldPath = errors.New("invalid field path")

// ParseFieldPath parses the dotted form produced by FieldPath.String.
func ParseFieldPath(raw string) (FieldPath, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFieldPath)
	}
	parts := strings.Split(raw, ".")
	path := make(FieldPath, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidFieldPath, raw)
		}
		if strings.HasPrefix(part, "[") && strings.HasSuffix(part, "]") {
			idx, err := strconv.Atoi(part[1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad index %q", ErrInvalidFieldPath, part)
			}
			path = append(path, Index(idx))
			continue
		}
		path = append(path, Key(part))
	}
	if path[0].IsIndex {
		return nil, fmt.Errorf("%w: path must start with a key", ErrInvalidFieldPath)
	}
	return path, nil
}

// Addressable reports whether key survives a String/ParseFieldPath round trip.
// Keys that are blank, contain a dot or look like an index do not.
func Addressable(key string) bool {
	if strings.TrimSpace(key) == "" || strings.Contains(key, ".") {
		return false
	}
	return !strings.HasPrefix(key, "[") || !strings.HasSuffix(key, "]")
}

// MustParseFieldPath is ParseFieldPath for literals; it panics on error.
func MustParseFieldPath(raw string) FieldPath {
	p, err := ParseFieldPath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p FieldPath) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// Append returns a new path with seg appended; p is left untouched.
func (p FieldPath) Append(seg Segment) FieldPath {
	out := make(FieldPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// MarshalText renders the path for JSON and text encoders.
func (p FieldPath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the dotted form.
func (p *FieldPath) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldPath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Get resolves the path against a decoded document.
func (p FieldPath) Get(doc map[string]any) (any, bool) {
	var cur any = doc
	for _, seg := range p {
		switch node := cur.(type) {
		case map[string]any:
			if seg.IsIndex {
				return nil, false
			}
			v, ok := node[seg.Key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if !seg.IsIndex || seg.Index >= len(node) {
				return nil, false
			}
			cur = node[seg.Index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at the path, leaving every sibling untouched. Intermediate
// containers must already exist; only the leaf may be created.
func (p FieldPath) Set(doc map[string]any, value any) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidFieldPath)
	}
	parent, ok := p[:len(p)-1].Get(doc)
	if !ok {
		return fmt.Errorf("resolve parent of %s: %w", p, ErrNotFound)
	}
	leaf := p[len(p)-1]
	switch node := parent.(type) {
	case map[string]any:
		if leaf.IsIndex {
			return fmt.Errorf("%w: index into object at %s", ErrInvalidFieldPath, p)
		}
		node[leaf.Key] = value
	case []any:
		if !leaf.IsIndex || leaf.Index >= len(node) {
			return fmt.Errorf("%w: index out of range at %s", ErrInvalidFieldPath, p)
		}
		node[leaf.Index] = value
	default:
		return fmt.Errorf("%w: parent of %s is not a container", ErrInvalidFieldPath, p)
	}
	return nil
}
