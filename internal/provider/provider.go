// Package provider defines the interface the enrichment engine uses to talk
// to external bibliographic sources, plus adapters for the concrete clients.
package provider

import (
	"context"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// Provider is one external bibliographic source. Implementations own their
// transport retry. Lookups that find nothing return empty results, not errors.
type Provider interface {
	// Name is the stable provider key used in budgets, caches and audit.
	Name() string

	// Search returns up to limit works matching title and (optional) author.
	Search(ctx context.Context, title, author string, limit int) ([]SearchResult, error)

	// FetchByID returns the full record for id, or nil when it does not exist.
	FetchByID(ctx context.Context, id string) (*Record, error)

	// FindIdentifierByISBN returns the provider id for isbn, or "" when unknown.
	FindIdentifierByISBN(ctx context.Context, isbn string) (string, error)
}

// SearchResult is a lightweight search hit.
type SearchResult struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Authors []string `json:"authors,omitempty"`
	ISBNs   []string `json:"isbns,omitempty"`
}

// Record is a full provider record, flattened to the tracked fields.
type Record struct {
	Provider    string                    `json:"provider"`
	ID          string                    `json:"id"`
	Title       string                    `json:"title"`
	Authors     []string                  `json:"authors,omitempty"`
	Values      map[model.FieldKey]string `json:"values"`
	SourceLabel string                    `json:"source_label,omitempty"`
}

// Value returns the raw value for field, or "".
func (r *Record) Value(f model.FieldKey) string {
	if r == nil {
		return ""
	}
	return r.Values[f]
}

// Richness counts the populated tracked fields.
func (r *Record) Richness() int {
	n := 0
	for _, f := range model.TrackedFields {
		if r.Value(f) != "" {
			n++
		}
	}
	return n
}

func (r *Record) set(f model.FieldKey, v string) {
	if v == "" {
		return
	}
	if r.Values == nil {
		r.Values = make(map[model.FieldKey]string)
	}
	r.Values[f] = v
}
