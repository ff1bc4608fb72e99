// Package search implements progressive multi-tier retrieval over the
// record store, consulting the query cache and the category clusterer.
package search

import (
	"sort"
	"strings"
)

// synonyms maps common coding-assistant query terms to equivalents used
// for variant expansion. Expansion is symmetric within each group.
var synonyms = map[string][]string{
	"db":             {"database"},
	"database":       {"db"},
	"config":         {"configuration"},
	"configuration":  {"config"},
	"auth":           {"authentication"},
	"authentication": {"auth"},
	"async":          {"asynchronous"},
	"asynchronous":   {"async"},
	"func":           {"function"},
	"function":       {"func"},
	"conn":           {"connection"},
	"connection":     {"conn"},
	"err":            {"error"},
	"error":          {"err"},
	"repo":           {"repository"},
	"repository":     {"repo"},
	"env":            {"environment"},
	"environment":    {"env"},
}

// maxVariants caps query expansion so tier cost stays bounded.
const maxVariants = 3

// Normalize lowercases a query and collapses internal whitespace.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// ExpandVariants returns the normalized query plus up to maxVariants-1
// synonym rewrites, deduplicated and stable-ordered.
func ExpandVariants(normalized string) []string {
	variants := []string{normalized}
	seen := map[string]struct{}{normalized: {}}

	words := strings.Fields(normalized)
	var rewrites []string
	for i, w := range words {
		for _, syn := range synonyms[w] {
			replaced := make([]string, len(words))
			copy(replaced, words)
			replaced[i] = syn
			rewrites = append(rewrites, strings.Join(replaced, " "))
		}
	}
	sort.Strings(rewrites)

	for _, r := range rewrites {
		if len(variants) >= maxVariants {
			break
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		variants = append(variants, r)
	}
	return variants
}
