package repair

import (
	"strings"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// Keywords map field-path fragments to placeholder contexts.
type Keywords struct {
	Profile []string `mapstructure:"profile"`
	Vessel  []string `mapstructure:"vessel"`
	AddOn   []string `mapstructure:"addon"`
}

// DefaultKeywords returns the built-in context keywords.
func DefaultKeywords() Keywords {
	return Keywords{
		Profile: []string{"profile", "avatar", "user"},
		Vessel:  []string{"vessel", "yacht", "boat", "ship"},
		AddOn:   []string{"addon", "add-on", "add_on", "service", "product", "extra"},
	}
}

// Placeholders holds the replacement URL for each context.
type Placeholders struct {
	Profile  string
	Vessel   string
	AddOn    string
	Generic  string
	Keywords Keywords
}

// Select picks the placeholder for path. Matching is a case-insensitive
// substring test with priority profile, vessel, add-on, then generic.
func (p Placeholders) Select(path validation.FieldPath) string {
	kw := p.keywords()
	haystack := strings.ToLower(path.String())
	switch {
	case p.Profile != "" && containsAny(haystack, kw.Profile):
		return p.Profile
	case p.Vessel != "" && containsAny(haystack, kw.Vessel):
		return p.Vessel
	case p.AddOn != "" && containsAny(haystack, kw.AddOn):
		return p.AddOn
	default:
		return p.Generic
	}
}

// URLs lists every configured placeholder.
func (p Placeholders) URLs() []string {
	var out []string
	for _, u := range []string{p.Profile, p.Vessel, p.AddOn, p.Generic} {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func (p Placeholders) keywords() Keywords {
	def := DefaultKeywords()
	kw := p.Keywords
	if len(kw.Profile) == 0 {
		kw.Profile = def.Profile
	}
	if len(kw.Vessel) == 0 {
		kw.Vessel = def.Vessel
	}
	if len(kw.AddOn) == 0 {
		kw.AddOn = def.AddOn
	}
	return kw
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" && strings.Contains(s, w) {
			return true
		}
	}
	return false
}
