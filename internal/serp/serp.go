// Package serp retrieves raw candidate links from search engine result pages.
package serp

import "context"

// Result is one anchor from a result page, in page order.
type Result struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Provider abstracts a search engine. Implementations return an empty slice,
// never an error, when the engine is unreachable, blocked or returns a
// non-success status; callers treat that as "no results".
type Provider interface {
	Search(ctx context.Context, query string) []Result
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, query string) []Result

// Search calls f.
func (f ProviderFunc) Search(ctx context.Context, query string) []Result {
	return f(ctx, query)
}
