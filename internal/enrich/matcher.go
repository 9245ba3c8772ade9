package enrich

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/provider"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

const (
	maxISBNLookups   = 8
	searchLimit      = 5
	maxFetches       = 10
	fetchConcurrency = 4
)

// MatchPolicy tunes how the matcher resolves records from one provider.
type MatchPolicy struct {
	// UseISBNLookup resolves an id from known ISBNs before searching.
	UseISBNLookup bool
	// Exhaustive runs every search variant, fetches all hits and ranks them
	// instead of stopping at the first acceptable search result.
	Exhaustive bool
	// MaxSearches caps the search calls per task.
	MaxSearches int
	// ExtraBundles is how many records beyond the best one may contribute
	// candidates.
	ExtraBundles int
}

// Built-in policies.
var (
	// PolicyDirect fits a bibliographic index with stable work ids.
	PolicyDirect = MatchPolicy{UseISBNLookup: true, Exhaustive: false, MaxSearches: 5, ExtraBundles: 0}
	// PolicyExhaustive fits a commercial search API with noisy ranking.
	PolicyExhaustive = MatchPolicy{UseISBNLookup: false, Exhaustive: true, MaxSearches: 8, ExtraBundles: 2}
)

// Source is one entry of the ordered provider list.
type Source struct {
	Provider provider.Provider
	Policy   MatchPolicy
}

// Query describes the work being matched.
type Query struct {
	Title  string
	Author string
	ISBNs  []string

	// MappedIDs holds provider ids recorded by earlier runs.
	MappedIDs map[string]string

	// Fields restricts candidates to these fields.
	Fields []model.FieldKey
	// Current holds the catalog's present values, for display.
	Current map[model.FieldKey]string
}

// MatchResult is the outcome of matching one work against all sources.
type MatchResult struct {
	Fields []model.CandidateField `json:"fields"`
	Report model.ProviderReport   `json:"report"`

	// Resolved maps provider name to the id of its best record.
	Resolved map[string]string `json:"resolved,omitempty"`
}

// Matcher produces per-field candidates from an ordered list of providers.
type Matcher struct {
	log *zap.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher() *Matcher {
	return &Matcher{log: zap.L().Named("matcher")}
}

// Match queries every source in order. A failing provider is recorded in the
// report and never aborts the others.
func (m *Matcher) Match(ctx context.Context, sources []Source, q Query) MatchResult {
	res := MatchResult{Resolved: make(map[string]string)}
	var records []*provider.Record

	for _, src := range sources {
		name := src.Provider.Name()
		res.Report.Attempted = append(res.Report.Attempted, name)

		var (
			recs []*provider.Record
			err  error
		)
		if src.Policy.Exhaustive {
			recs, err = m.matchExhaustive(ctx, src, q)
		} else {
			recs, err = m.matchDirect(ctx, src, q)
		}

		switch {
		case err != nil:
			m.log.Warn("provider failed",
				zap.String("provider", name),
				zap.String("title", q.Title),
				zap.Error(err),
			)
			res.Report.Failed = append(res.Report.Failed, model.ProviderFailure{
				Provider: name,
				Code:     resilience.Code(err),
				Message:  err.Error(),
			})
		case len(recs) == 0:
			res.Report.NotFound = append(res.Report.NotFound, name)
		default:
			res.Report.Succeeded = append(res.Report.Succeeded, name)
			res.Resolved[name] = recs[0].ID
			records = append(records, recs...)
		}
	}

	res.Fields = buildCandidates(records, q)
	return res
}

// matchDirect resolves a single record: mapped id, then ISBN lookups, then
// the first acceptable search hit.
func (m *Matcher) matchDirect(ctx context.Context, src Source, q Query) ([]*provider.Record, error) {
	p := src.Provider

	if id := q.MappedIDs[p.Name()]; id != "" {
		rec, err := p.FetchByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return []*provider.Record{rec}, nil
		}
	}

	if src.Policy.UseISBNLookup {
		for i, isbn := range q.ISBNs {
			if i == maxISBNLookups {
				break
			}
			id, err := p.FindIdentifierByISBN(ctx, isbn)
			if err != nil {
				return nil, err
			}
			if id == "" {
				continue
			}
			rec, err := p.FetchByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				return []*provider.Record{rec}, nil
			}
		}
	}

	for i, author := range authorVariants(q.Author) {
		if i == src.Policy.MaxSearches {
			break
		}
		hits, err := p.Search(ctx, q.Title, author, searchLimit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if titleScore(q.Title, h.Title) < 3 {
				continue
			}
			if q.Author != "" && authorScore(q.Author, h.Authors) < 2 {
				continue
			}
			rec, err := p.FetchByID(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				return []*provider.Record{rec}, nil
			}
		}
	}
	return nil, nil
}

type rankedRecord struct {
	rec    *provider.Record
	title  int
	author int
	isbn   int
}

// matchExhaustive runs every search variant, fetches all hits and keeps the
// best-ranked records. A mapped id is trusted without scoring.
func (m *Matcher) matchExhaustive(ctx context.Context, src Source, q Query) ([]*provider.Record, error) {
	p := src.Provider
	var out []*provider.Record

	mapped := q.MappedIDs[p.Name()]
	if mapped != "" {
		rec, err := p.FetchByID(ctx, mapped)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}

	var ids []string
	searches := 0
search:
	for _, title := range titleVariants(q.Title) {
		for _, author := range authorVariants(q.Author) {
			if searches == src.Policy.MaxSearches {
				break search
			}
			searches++
			hits, err := p.Search(ctx, title, author, searchLimit)
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				if h.ID != "" && h.ID != mapped && !slices.Contains(ids, h.ID) {
					ids = append(ids, h.ID)
				}
			}
		}
	}
	if len(ids) > maxFetches {
		ids = ids[:maxFetches]
	}

	fetched := make([]*provider.Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			rec, err := p.FetchByID(gctx, id)
			if err != nil {
				// A bad hit is dropped; only cancellation stops the fan-out.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Debug("fetch failed", zap.String("provider", p.Name()), zap.String("id", id), zap.Error(err))
				return nil
			}
			fetched[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "enrich: fetch %s records", p.Name())
	}

	var ranked []rankedRecord
	for _, rec := range fetched {
		if rec == nil {
			continue
		}
		r := rankedRecord{
			rec:    rec,
			title:  titleScore(q.Title, rec.Title),
			author: authorScore(q.Author, rec.Authors),
			isbn:   isbnScore(q.ISBNs, []string{rec.Value(model.FieldISBN13), rec.Value(model.FieldISBN10)}),
		}
		if accept(q, r) {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.title != b.title {
			return a.title > b.title
		}
		if a.author != b.author {
			return a.author > b.author
		}
		if a.isbn != b.isbn {
			return a.isbn > b.isbn
		}
		return a.rec.Richness() > b.rec.Richness()
	})

	for i, r := range ranked {
		if i > src.Policy.ExtraBundles {
			break
		}
		if i > 0 && r.title < 3 {
			continue
		}
		out = append(out, r.rec)
	}
	return out, nil
}

func accept(q Query, r rankedRecord) bool {
	if r.isbn >= 4 {
		return true
	}
	if r.title < 3 || (q.Author != "" && r.author < 2) {
		return false
	}
	want := tokens(q.Title)
	if len(want) == 1 {
		got := tokens(r.rec.Title)
		return len(got) > 0 && got[0] == want[0]
	}
	return true
}

// buildCandidates turns records into per-field candidate lists, keeping
// provider order and dropping repeats of (field, provider, id, value).
func buildCandidates(records []*provider.Record, q Query) []model.CandidateField {
	var out []model.CandidateField
	for _, f := range q.Fields {
		cf := model.CandidateField{Field: f, Scope: f.Scope(), CurrentValue: q.Current[f]}
		seen := make(map[string]bool)
		distinct := make(map[string]bool)
		for _, rec := range records {
			raw := strings.TrimSpace(rec.Value(f))
			if raw == "" {
				continue
			}
			key := compareKey(f, raw)
			dk := strings.Join([]string{rec.Provider, rec.ID, key}, "\x00")
			if seen[dk] {
				continue
			}
			seen[dk] = true
			distinct[key] = true

			display := raw
			if v, ok := Normalize(f, raw); ok {
				display = v
			}
			cf.Candidates = append(cf.Candidates, model.Candidate{
				Provider:     rec.Provider,
				ProviderID:   rec.ID,
				Value:        raw,
				DisplayValue: display,
				SourceLabel:  rec.SourceLabel,
			})
		}
		if len(cf.Candidates) == 0 {
			continue
		}
		cf.HasConflict = conflictable(f) && len(distinct) > 1
		out = append(out, cf)
	}
	return out
}

// conflictable reports whether disagreement on f needs a human. Free-text
// and image fields take the first provider's value.
func conflictable(f model.FieldKey) bool {
	return f != model.FieldDescription && f != model.FieldCoverURL
}
