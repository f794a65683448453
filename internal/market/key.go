package market

import (
	"fmt"
	"strings"
)

// CacheKey derives the cache key for a (symbol, provider, market) triple.
// Both the resolver's read path and the stream processor's write path go
// through this one function: correctness of the whole system depends on the
// push and pull sides agreeing on key derivation.
//
// Keys look like "quote:{provider}:{market}:{symbol}", lowercased. Distinct
// inputs yield distinct keys because ":" is rejected from components.
func CacheKey(symbol string, provider Provider, mkt string) string {
	return fmt.Sprintf("quote:%s:%s:%s",
		sanitize(string(provider)), sanitize(mkt), sanitize(symbol))
}

// CacheKeyPattern returns a glob matching every key for the given provider,
// for use with the cache's pattern invalidation.
func CacheKeyPattern(provider Provider) string {
	return fmt.Sprintf("quote:%s:*", sanitize(string(provider)))
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, ":", "_")
}
