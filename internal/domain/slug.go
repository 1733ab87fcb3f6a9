package domain

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	MinSlugLength = 3
	MaxSlugLength = 63 // DNS label limit
)

// reservedSlugs cannot be claimed because they collide with platform hosts.
var reservedSlugs = map[string]bool{
	"www":     true,
	"api":     true,
	"admin":   true,
	"app":     true,
	"mail":    true,
	"static":  true,
	"assets":  true,
	"metrics": true,
	"health":  true,
}

// NormalizeSlug trims and lowercases a slug. Lookups and creation both go
// through it, so slugs match case-insensitively.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// ValidateSlug checks that a normalized slug is usable as a subdomain label.
func ValidateSlug(op, slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return Invalid(op, "Slug must be between 3 and 63 characters")
	}
	if strings.HasPrefix(slug, "-") || strings.HasSuffix(slug, "-") {
		return Invalid(op, "Slug cannot start or end with a hyphen")
	}
	for _, r := range slug {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return Invalid(op, "Slug may only contain lowercase letters, digits and hyphens")
		}
	}
	if reservedSlugs[slug] {
		return Invalid(op, "Slug is reserved")
	}
	return nil
}

// SlugFromName folds a display name to an ASCII slug:
// "Café Société" becomes "cafe-societe".
func SlugFromName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = cases.Lower(language.Und).String(folded)

	var b strings.Builder
	lastHyphen := true
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > MaxSlugLength {
		slug = strings.TrimRight(slug[:MaxSlugLength], "-")
	}
	return slug
}

// DatabaseName builds the per-tenant database name from the slug and the
// creation time, so a slug reused after deletion never collides with the
// old database.
func DatabaseName(slug string, unix int64) string {
	return "forum_" + strings.ReplaceAll(slug, "-", "_") + "_" + strconv.FormatInt(unix, 10)
}
