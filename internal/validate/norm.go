package validate

import (
	"fmt"
	"strconv"
	"strings"
)

// SourceName tags every candidate this pipeline produces, distinguishing
// it from rows the enrichment pass adds under the "GPT" source.
const SourceName = "GelbeSeiten"

// Status values derived from a merged norm's web presence.
const (
	StatusYesWeb         = "YES WEB"
	StatusNoWebYesDescr  = "NO WEB - YES DESCR"
	StatusNoWebNoDescr   = "NO WEB - NO DESCR"
)

// trim mirrors the original's _trim: strips whitespace and collapses an
// empty result to "", which this package treats as the None sentinel
// throughout (a trimmed-empty field is "absent", not "blank").
func trim(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...any) any {
	for _, v := range vals {
		if trim(v) != "" {
			return v
		}
	}
	return nil
}

// toAnyList coerces a JSONB-decoded value into a slice, treating nil as
// empty and a bare scalar as a single-element slice (matches the
// original's informal list-or-scalar JSONB fields).
func toAnyList(v any) []any {
	if v == nil {
		return []any{}
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func toStringList(v any) []string {
	out := make([]string, 0)
	for _, x := range toAnyList(v) {
		s := trim(x)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// uniq appends add to base, skipping values already present (tracked in
// a set), preserving first-seen order. Zero values are kept like any
// other value.
func uniq[T comparable](base []T, add []T) []T {
	out := append([]T{}, base...)
	seen := make(map[T]bool, len(out))
	for _, x := range out {
		seen[x] = true
	}
	for _, x := range add {
		if seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}

// uniqAny is uniq for JSONB-decoded heterogeneous slices, comparing
// elements by their formatted value since []any can't satisfy comparable.
func uniqAny(base, add []any) []any {
	out := append([]any{}, base...)
	seen := make(map[string]bool, len(out))
	key := func(x any) string {
		switch v := x.(type) {
		case string:
			return "s:" + v
		default:
			return "v:" + trimOrSprint(v)
		}
	}
	for _, x := range out {
		seen[key(x)] = true
	}
	for _, x := range add {
		if x == nil {
			continue
		}
		k := key(x)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, x)
	}
	return out
}

func trimOrSprint(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// nextGSKey finds the first unused "gs-N" shard key in an aggregate's
// company_data, starting at gs-1.
func nextGSKey(companyData map[string]any) string {
	return nextNamedKey(companyData, "gs")
}

// nextNamedKey is nextGSKey generalized to an arbitrary shard prefix,
// used by the enrichment pass for "gpt-N" keys.
func nextNamedKey(companyData map[string]any, prefix string) string {
	for i := 1; ; i++ {
		k := prefix + "-" + strconv.Itoa(i)
		if _, exists := companyData[k]; !exists {
			return k
		}
	}
}

// calcStatus derives status_data from a merged norm's web presence.
func calcStatus(norm map[string]any) string {
	if trim(norm["website"]) != "" {
		return StatusYesWeb
	}
	if trim(norm["description"]) != "" {
		return StatusNoWebYesDescr
	}
	return StatusNoWebNoDescr
}

// buildNorm projects one source row's company_data into the norm shape
// every aggregate's "norm" field is merged from.
func buildNorm(companyName string, src map[string]any) map[string]any {
	sourceURL := trim(src["source_url"])
	sourceURLs := []any{}
	if sourceURL != "" {
		sourceURLs = []any{sourceURL}
	}
	return map[string]any{
		"company_name": trim(companyName),
		"source_urls":  sourceURLs,
		"branches":     toAnyList(src["branches"]),
		"address":      trim(firstNonEmpty(src["address"], src["address_text"])),
		"city":         trim(src["city"]),
		"plz":          trim(src["plz"]),
		"phone":        toAnyList(src["phone"]),
		"email":        src["email"],
		"fax":          src["fax"],
		"website":      trim(src["website"]),
		"socials":      toAnyList(src["socials"]),
		"description":  trim(src["description"]),
	}
}

var scalarMergeKeys = []string{"company_name", "address", "city", "plz", "website", "fax", "description"}
var arrayMergeKeys = []string{"source_urls", "phone", "socials", "branches"}

// mergeNorm folds src into dst: scalars keep dst's value unless it's
// empty, arrays union (order-preserving dedup), and email collapses
// between nil/string/[]string depending on how many distinct addresses
// result.
func mergeNorm(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+4)
	for k, v := range dst {
		out[k] = v
	}

	for _, k := range scalarMergeKeys {
		if trim(out[k]) == "" {
			out[k] = src[k]
		}
	}

	for _, k := range arrayMergeKeys {
		out[k] = uniqAny(toAnyList(out[k]), toAnyList(src[k]))
	}

	emails := uniqAny(toAnyList(out["email"]), toAnyList(src["email"]))
	switch len(emails) {
	case 0:
		out["email"] = nil
	case 1:
		out["email"] = emails[0]
	default:
		out["email"] = emails
	}

	return out
}

