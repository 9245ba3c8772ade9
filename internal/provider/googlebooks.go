package provider

import (
	"context"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/pkg/googlebooks"
)

// GoogleBooksName is the provider key for Google Books.
const GoogleBooksName = "googlebooks"

// GoogleBooks adapts the Google Books client to Provider.
type GoogleBooks struct {
	client  googlebooks.Client
	breaker *resilience.Breaker
}

// NewGoogleBooks wraps client with a circuit breaker.
func NewGoogleBooks(client googlebooks.Client, breaker resilience.BreakerConfig) *GoogleBooks {
	return &GoogleBooks{client: client, breaker: resilience.NewBreaker(GoogleBooksName, breaker)}
}

func (p *GoogleBooks) Name() string { return GoogleBooksName }

func (p *GoogleBooks) Search(ctx context.Context, title, author string, limit int) ([]SearchResult, error) {
	vols, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) ([]googlebooks.Volume, error) {
		return p.client.Search(ctx, title, author, limit)
	})
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(vols))
	for _, v := range vols {
		var isbns []string
		for _, kind := range []string{"ISBN_13", "ISBN_10"} {
			if id := v.Info.ISBN(kind); id != "" {
				isbns = append(isbns, id)
			}
		}
		out = append(out, SearchResult{ID: v.ID, Title: v.Info.Title, Authors: v.Info.Authors, ISBNs: isbns})
	}
	return out, nil
}

func (p *GoogleBooks) FetchByID(ctx context.Context, id string) (*Record, error) {
	vol, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) (*googlebooks.Volume, error) {
		return p.client.Volume(ctx, id)
	})
	if err != nil || vol == nil {
		return nil, err
	}

	info := vol.Info
	rec := &Record{
		Provider:    GoogleBooksName,
		ID:          vol.ID,
		Title:       info.Title,
		Authors:     info.Authors,
		SourceLabel: "Google Books",
	}
	rec.set(model.FieldDescription, info.Description)
	rec.set(model.FieldCoverURL, info.ImageLinks.BestImage())
	rec.set(model.FieldFirstPublishYear, yearPattern.FindString(info.PublishedDate))
	rec.set(model.FieldPublisher, info.Publisher)
	rec.set(model.FieldPublishDate, info.PublishedDate)
	rec.set(model.FieldISBN10, info.ISBN("ISBN_10"))
	rec.set(model.FieldISBN13, info.ISBN("ISBN_13"))
	rec.set(model.FieldLanguage, info.Language)
	return rec, nil
}

func (p *GoogleBooks) FindIdentifierByISBN(ctx context.Context, isbn string) (string, error) {
	vols, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) ([]googlebooks.Volume, error) {
		return p.client.ByISBN(ctx, isbn)
	})
	if err != nil || len(vols) == 0 {
		return "", err
	}
	return vols[0].ID, nil
}
