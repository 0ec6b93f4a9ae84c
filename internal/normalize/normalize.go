// Package normalize canonicalizes the many encodings media fields take in stored
// documents (lists, index-keyed maps, JSON strings, bare URLs) into one ordered
// sequence of media entries.
package normalize

import (
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// Kind tags which encoding a raw value was recognized as.
type Kind string

// Recognized encodings.
const (
	KindEmpty       Kind = "empty"
	KindList        Kind = "list"
	KindIndexedMap  Kind = "indexed-map"
	KindJSONList    Kind = "json-list"
	KindScalar      Kind = "scalar"
	KindObject      Kind = "object"
	KindUnsupported Kind = "unsupported"
)

// urlKeys are the object keys that may carry the reference, in lookup order.
var urlKeys = []string{"url", "src", "uri"}

// typeKeys hold an explicit media type on object entries.
var typeKeys = []string{"type", "mediaType", "kind"}

// Entry is a MediaEntry plus where it sits inside the normalized container.
type Entry struct {
	validation.MediaEntry
	// Segment is the entry's position: a list index or the original map key.
	// It is unset for scalar and single-object values.
	Segment    validation.Segment
	Positional bool
	// URLKey names the object key holding the URL; empty for bare strings.
	URLKey string
}

// Result is the outcome of Normalize. Malformed counts elements that were
// dropped because they carried no usable URL.
type Result struct {
	Kind      Kind
	Entries   []Entry
	Malformed int
}

// Media returns the ordered media entries without positional detail.
func (r Result) Media() []validation.MediaEntry {
	out := make([]validation.MediaEntry, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.MediaEntry
	}
	return out
}

// Normalize converts a raw field value into an ordered sequence of entries. It
// never fails: unusable elements are dropped and counted in Malformed.
func Normalize(raw any) Result {
	switch v := raw.(type) {
	case nil:
		return Result{Kind: KindEmpty}
	case string:
		return fromString(v)
	case []any:
		return fromList(v, KindList)
	case []string:
		list := make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
		return fromList(list, KindList)
	case []map[string]any:
		list := make([]any, len(v))
		for i, m := range v {
			list[i] = m
		}
		return fromList(list, KindList)
	case map[string]any:
		return fromMap(v)
	default:
		return Result{Kind: KindUnsupported, Malformed: 1}
	}
}

func fromString(s string) Result {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Result{Kind: KindEmpty}
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []any
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return fromList(list, KindJSONList)
		}
	}
	return Result{
		Kind:    KindScalar,
		Entries: []Entry{{MediaEntry: validation.MediaEntry{Type: validation.MediaUnknown, URL: s}}},
	}
}

func fromList(list []any, kind Kind) Result {
	res := Result{Kind: kind}
	if len(list) == 0 {
		res.Kind = KindEmpty
		return res
	}
	for i, elem := range list {
		entry, ok := element(elem)
		if !ok {
			res.Malformed++
			continue
		}
		entry.Segment = validation.Index(i)
		entry.Positional = true
		res.Entries = append(res.Entries, entry)
	}
	return res
}

func fromMap(m map[string]any) Result {
	if len(m) == 0 {
		return Result{Kind: KindEmpty}
	}
	keys, ok := numericKeys(m)
	if ok {
		res := Result{Kind: KindIndexedMap}
		for _, k := range keys {
			entry, ok := element(m[k])
			if !ok {
				res.Malformed++
				continue
			}
			entry.Segment = validation.Key(k)
			entry.Positional = true
			res.Entries = append(res.Entries, entry)
		}
		return res
	}
	if entry, ok := element(m); ok {
		return Result{Kind: KindObject, Entries: []Entry{entry}}
	}
	return Result{Kind: KindUnsupported, Malformed: 1}
}

// numericKeys returns the map keys sorted as integers when every key is a
// non-negative decimal index.
func numericKeys(m map[string]any) ([]string, bool) {
	type indexed struct {
		key string
		n   int
	}
	all := make([]indexed, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || strings.HasPrefix(k, "+") {
			return nil, false
		}
		all = append(all, indexed{key: k, n: n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n < all[j].n
		}
		return all[i].key < all[j].key
	})
	keys := make([]string, len(all))
	for i, e := range all {
		keys[i] = e.key
	}
	return keys, true
}

func element(elem any) (Entry, bool) {
	switch v := elem.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return Entry{}, false
		}
		return Entry{MediaEntry: validation.MediaEntry{Type: validation.MediaUnknown, URL: v}}, true
	case map[string]any:
		for _, key := range urlKeys {
			raw, present := v[key]
			if !present {
				continue
			}
			s, isString := raw.(string)
			if !isString || strings.TrimSpace(s) == "" {
				return Entry{}, false
			}
			return Entry{
				MediaEntry: validation.MediaEntry{Type: mediaType(v, s), URL: s},
				URLKey:     key,
			}, true
		}
		return Entry{}, false
	default:
		return Entry{}, false
	}
}

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".avif": true, ".heic": true, ".svg": true, ".bmp": true}
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".m4v": true, ".mkv": true, ".avi": true, ".m3u8": true}
)

// mediaType reads an explicit type field and falls back to the URL extension.
func mediaType(obj map[string]any, rawURL string) validation.MediaType {
	for _, key := range typeKeys {
		s, ok := obj[key].(string)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "image", "photo", "picture", "img":
			return validation.MediaImage
		case "video", "movie", "clip":
			return validation.MediaVideo
		}
		if strings.HasPrefix(strings.ToLower(s), "image/") {
			return validation.MediaImage
		}
		if strings.HasPrefix(strings.ToLower(s), "video/") {
			return validation.MediaVideo
		}
	}
	return typeFromExtension(rawURL)
}

func typeFromExtension(rawURL string) validation.MediaType {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	switch {
	case imageExts[ext]:
		return validation.MediaImage
	case videoExts[ext]:
		return validation.MediaVideo
	default:
		return validation.MediaUnknown
	}
}
