package provider

import (
	"context"
	"regexp"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/pkg/openlibrary"
)

// OpenLibraryName is the provider key for Open Library.
const OpenLibraryName = "openlibrary"

// editionsPerWork bounds the editions inspected when building a record.
const editionsPerWork = 10

var yearPattern = regexp.MustCompile(`\b(1\d{3}|20\d{2})\b`)

// OpenLibrary adapts the Open Library client to Provider.
type OpenLibrary struct {
	client  openlibrary.Client
	breaker *resilience.Breaker
}

// NewOpenLibrary wraps client with a circuit breaker.
func NewOpenLibrary(client openlibrary.Client, breaker resilience.BreakerConfig) *OpenLibrary {
	return &OpenLibrary{client: client, breaker: resilience.NewBreaker(OpenLibraryName, breaker)}
}

func (p *OpenLibrary) Name() string { return OpenLibraryName }

func (p *OpenLibrary) Search(ctx context.Context, title, author string, limit int) ([]SearchResult, error) {
	docs, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) ([]openlibrary.Doc, error) {
		return p.client.Search(ctx, title, author, limit)
	})
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(docs))
	for _, d := range docs {
		if d.Key == "" {
			continue
		}
		out = append(out, SearchResult{
			ID:      openlibrary.WorkID(d.Key),
			Title:   d.Title,
			Authors: d.AuthorNames,
			ISBNs:   d.ISBNs,
		})
	}
	return out, nil
}

func (p *OpenLibrary) FetchByID(ctx context.Context, id string) (*Record, error) {
	work, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) (*openlibrary.Work, error) {
		return p.client.Work(ctx, id)
	})
	if err != nil || work == nil {
		return nil, err
	}
	editions, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) ([]openlibrary.Edition, error) {
		return p.client.Editions(ctx, id, editionsPerWork)
	})
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Provider:    OpenLibraryName,
		ID:          openlibrary.WorkID(work.Key),
		Title:       work.Title,
		SourceLabel: "Open Library",
	}
	if rec.ID == "" {
		rec.ID = id
	}
	rec.set(model.FieldDescription, work.Description)
	rec.set(model.FieldFirstPublishYear, yearPattern.FindString(work.FirstPublishDate))

	ed := bestEdition(editions)
	if len(work.Covers) > 0 {
		rec.set(model.FieldCoverURL, p.client.CoverURL(work.Covers[0]))
	} else if ed != nil && len(ed.Covers) > 0 {
		rec.set(model.FieldCoverURL, p.client.CoverURL(ed.Covers[0]))
	}
	if ed != nil {
		rec.set(model.FieldPublisher, first(ed.Publishers))
		rec.set(model.FieldPublishDate, ed.PublishDate)
		rec.set(model.FieldISBN10, first(ed.ISBN10))
		rec.set(model.FieldISBN13, first(ed.ISBN13))
		rec.set(model.FieldLanguage, first(ed.Languages))
		rec.set(model.FieldFormat, ed.PhysicalFormat)
	}
	return rec, nil
}

func (p *OpenLibrary) FindIdentifierByISBN(ctx context.Context, isbn string) (string, error) {
	ed, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) (*openlibrary.Edition, error) {
		return p.client.ISBN(ctx, isbn)
	})
	if err != nil || ed == nil {
		return "", err
	}
	return openlibrary.WorkID(ed.WorkKey), nil
}

// bestEdition prefers an edition carrying an ISBN-13, then any ISBN, then
// the first listed.
func bestEdition(eds []openlibrary.Edition) *openlibrary.Edition {
	if len(eds) == 0 {
		return nil
	}
	for i := range eds {
		if len(eds[i].ISBN13) > 0 {
			return &eds[i]
		}
	}
	for i := range eds {
		if len(eds[i].ISBN10) > 0 {
			return &eds[i]
		}
	}
	return &eds[0]
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
