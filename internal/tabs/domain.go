package tabs

import (
	"net/url"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// DomainKey returns the lowercase hostname of rawURL, or rawURL itself when
// it does not parse as an absolute URL.
func DomainKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

// SortByDomain returns a copy of list stably sorted by DomainKey using
// locale-aware collation.
func SortByDomain(list []Tab) []Tab {
	type keyed struct {
		tab Tab
		key string
	}
	items := make([]keyed, len(list))
	for i, t := range list {
		items[i] = keyed{tab: t, key: DomainKey(t.URL)}
	}

	// Collators keep scratch buffers, so each sort gets its own.
	c := collate.New(language.Und)
	slices.SortStableFunc(items, func(a, b keyed) int {
		return c.CompareString(a.key, b.key)
	})

	out := make([]Tab, len(items))
	for i, it := range items {
		out[i] = it.tab
	}
	return out
}
