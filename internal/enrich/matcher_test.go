package enrich

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/provider"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

func duneQuery(fields ...model.FieldKey) Query {
	if len(fields) == 0 {
		fields = model.TrackedFields
	}
	return Query{Title: "Dune", Author: "Frank Herbert", Fields: fields}
}

func fieldByKey(fields []model.CandidateField, f model.FieldKey) *model.CandidateField {
	for i := range fields {
		if fields[i].Field == f {
			return &fields[i]
		}
	}
	return nil
}

func TestMatchDirect_MappedIDFirst(t *testing.T) {
	t.Parallel()
	p := newFakeProvider("openlibrary")
	p.serve(duneRecord())
	q := duneQuery()
	q.MappedIDs = map[string]string{"openlibrary": "OL893415W"}

	res := NewMatcher().Match(context.Background(), []Source{{Provider: p, Policy: PolicyDirect}}, q)
	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, []string{"openlibrary"}, res.Report.Succeeded)
	assert.Equal(t, "OL893415W", res.Resolved["openlibrary"])
	assert.Len(t, res.Fields, 3)
}

func TestMatchDirect_ISBNLookup(t *testing.T) {
	t.Parallel()
	p := newFakeProvider("openlibrary")
	rec := duneRecord()
	rec.Title = "Dune (40th Anniversary)"
	p.serve(rec)
	p.isbns["9780441172719"] = rec.ID

	q := duneQuery()
	q.Title = "Something Else Entirely"
	q.ISBNs = []string{"9780441172719"}
	res := NewMatcher().Match(context.Background(), []Source{{Provider: p, Policy: PolicyDirect}}, q)

	assert.Equal(t, 2, p.callCount(), "lookup then fetch")
	assert.Equal(t, []string{"openlibrary"}, res.Report.Succeeded)
}

func TestMatchDirect_RejectsWeakTitle(t *testing.T) {
	t.Parallel()
	p := newFakeProvider("openlibrary")
	p.serve(&provider.Record{ID: "OL2W", Title: "The Dosadi Experiment", Authors: []string{"Frank Herbert"}})

	res := NewMatcher().Match(context.Background(), []Source{{Provider: p, Policy: PolicyDirect}}, duneQuery())
	assert.Equal(t, []string{"openlibrary"}, res.Report.NotFound)
	assert.Empty(t, res.Fields)
	assert.Empty(t, res.Resolved)
}

func TestMatchExhaustive_RanksAndBundles(t *testing.T) {
	t.Parallel()
	p := newFakeProvider("googlebooks")
	p.serve(&provider.Record{
		ID: "gb-deluxe", Title: "Dune (Deluxe Edition)", Authors: []string{"Frank Herbert"},
		Values: map[model.FieldKey]string{model.FieldPublisher: "Ace"},
	})
	p.serve(&provider.Record{
		ID: "gb-prequel", Title: "Dune", Authors: []string{"Brian Herbert"},
		Values: map[model.FieldKey]string{model.FieldPublisher: "Tor"},
	})
	p.serve(&provider.Record{
		ID: "gb-encyclopedia", Title: "The Dune Encyclopedia", Authors: []string{"Frank Herbert"},
		Values: map[model.FieldKey]string{model.FieldPublisher: "Berkley"},
	})
	p.serve(&provider.Record{
		ID: "gb-dune", Title: "Dune", Authors: []string{"Frank Herbert"},
		Values: map[model.FieldKey]string{model.FieldPublisher: "Chilton"},
	})

	res := NewMatcher().Match(context.Background(), []Source{{Provider: p, Policy: PolicyExhaustive}}, duneQuery(model.FieldPublisher))
	require.Len(t, res.Fields, 1)
	assert.Equal(t, "gb-dune", res.Resolved["googlebooks"])

	pub := res.Fields[0]
	require.Len(t, pub.Candidates, 2)
	assert.Equal(t, "Chilton", pub.Candidates[0].Value)
	assert.Equal(t, "Ace", pub.Candidates[1].Value)
	assert.True(t, pub.HasConflict)
}

func TestMatch_FailureDoesNotAbortOthers(t *testing.T) {
	t.Parallel()
	a := newFakeProvider("openlibrary")
	a.failWith(&resilience.StatusError{Service: "openlibrary", StatusCode: http.StatusBadGateway})
	b := newFakeProvider("googlebooks")
	b.serve(duneRecord())

	res := NewMatcher().Match(context.Background(), []Source{
		{Provider: a, Policy: PolicyDirect},
		{Provider: b, Policy: PolicyExhaustive},
	}, duneQuery())

	assert.Equal(t, []string{"openlibrary", "googlebooks"}, res.Report.Attempted)
	require.Len(t, res.Report.Failed, 1)
	assert.Equal(t, "openlibrary", res.Report.Failed[0].Provider)
	assert.Equal(t, resilience.CodeUnavailable, res.Report.Failed[0].Code)
	assert.Equal(t, []string{"googlebooks"}, res.Report.Succeeded)
	assert.NotEmpty(t, res.Fields)
}

// cancellingProvider cancels the match context on its first fetch.
type cancellingProvider struct {
	*fakeProvider
	cancel context.CancelFunc
}

func (c *cancellingProvider) FetchByID(ctx context.Context, _ string) (*provider.Record, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestMatchExhaustive_CancelledFetchFailsProvider(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancellingProvider{fakeProvider: newFakeProvider("googlebooks"), cancel: cancel}
	p.serve(duneRecord())

	res := NewMatcher().Match(ctx, []Source{{Provider: p, Policy: PolicyExhaustive}}, duneQuery())
	require.Len(t, res.Report.Failed, 1)
	assert.Equal(t, "googlebooks", res.Report.Failed[0].Provider)
	assert.Contains(t, res.Report.Failed[0].Message, "context canceled")
	assert.Empty(t, res.Report.Succeeded)
	assert.Empty(t, res.Fields)
}

func TestMatchExhaustive_UnfetchableHitIsDropped(t *testing.T) {
	t.Parallel()
	p := newFakeProvider("googlebooks")
	p.serve(duneRecord())
	p.mu.Lock()
	p.hits = append(p.hits, provider.SearchResult{ID: "gb-missing", Title: "Dune"})
	p.mu.Unlock()

	res := NewMatcher().Match(context.Background(), []Source{{Provider: p, Policy: PolicyExhaustive}}, duneQuery())
	assert.Empty(t, res.Report.Failed)
	assert.Equal(t, []string{"googlebooks"}, res.Report.Succeeded)
}

func TestBuildCandidates_ConflictsAndDedupe(t *testing.T) {
	t.Parallel()
	ol := duneRecord()
	ol.Provider = "openlibrary"
	ol.Values[model.FieldPublisher] = "Ace Books"
	gb := duneRecord()
	gb.Provider, gb.ID = "googlebooks", "gb-dune"
	gb.Values[model.FieldISBN13] = "9780441172719"
	gb.Values[model.FieldDescription] = "A different blurb."
	gb.Values[model.FieldPublisher] = "ACE  books"

	q := duneQuery(model.FieldDescription, model.FieldISBN13, model.FieldPublisher, model.FieldLanguage)
	q.Current = map[model.FieldKey]string{model.FieldLanguage: "en"}
	fields := buildCandidates([]*provider.Record{ol, gb, ol}, q)
	require.Len(t, fields, 3, "fields without values are dropped")

	desc := fieldByKey(fields, model.FieldDescription)
	require.NotNil(t, desc)
	assert.Len(t, desc.Candidates, 2)
	assert.False(t, desc.HasConflict, "descriptions never conflict")
	assert.Equal(t, "Set on the desert planet Arrakis .", desc.Candidates[0].DisplayValue)

	isbn := fieldByKey(fields, model.FieldISBN13)
	require.NotNil(t, isbn)
	assert.Len(t, isbn.Candidates, 2)
	assert.False(t, isbn.HasConflict, "same ISBN in different notation")
	assert.Equal(t, model.ScopeEdition, isbn.Scope)

	pub := fieldByKey(fields, model.FieldPublisher)
	require.NotNil(t, pub)
	assert.False(t, pub.HasConflict)
}
