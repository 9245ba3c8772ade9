package enrich

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/provider"
	"github.com/sells-group/catalog-enricher/internal/store"
)

const testUser = "user-1"

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProvider serves canned records and counts every call.
type fakeProvider struct {
	name string

	mu      sync.Mutex
	calls   int
	err     error
	hits    []provider.SearchResult
	records map[string]*provider.Record
	isbns   map[string]string
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, records: make(map[string]*provider.Record), isbns: make(map[string]string)}
}

// serve registers rec as both a search hit and a fetchable record.
func (f *fakeProvider) serve(rec *provider.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Provider = f.name
	f.records[rec.ID] = rec
	f.hits = append(f.hits, provider.SearchResult{ID: rec.ID, Title: rec.Title, Authors: rec.Authors})
}

func (f *fakeProvider) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits = nil
	f.records = make(map[string]*provider.Record)
	f.err = nil
}

func (f *fakeProvider) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(_ context.Context, _, _ string, limit int) ([]provider.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func (f *fakeProvider) FetchByID(_ context.Context, id string) (*provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[id], nil
}

func (f *fakeProvider) FindIdentifierByISBN(_ context.Context, isbn string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.isbns[isbn], nil
}

func duneRecord() *provider.Record {
	return &provider.Record{
		ID:      "OL893415W",
		Title:   "Dune",
		Authors: []string{"Frank Herbert"},
		Values: map[model.FieldKey]string{
			model.FieldCoverURL:    "http://covers.openlibrary.org/b/id/11481354-L.jpg",
			model.FieldISBN13:      "978-0-441-17271-9",
			model.FieldDescription: "<p>Set on the desert planet <b>Arrakis</b>.</p>",
		},
		SourceLabel: "Open Library",
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type harness struct {
	st     store.Store
	clock  *testClock
	engine *Engine
	a      *fakeProvider
	b      *fakeProvider
}

type harnessOption func(*Options)

func withLimits(l map[string]Limits) harnessOption {
	return func(o *Options) { o.Limits = l }
}

func newHarness(t *testing.T, useB bool, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		st:    newTestStore(t),
		clock: newTestClock(),
		a:     newFakeProvider("openlibrary"),
		b:     newFakeProvider("googlebooks"),
	}
	o := Options{
		Sources: []Source{{Provider: h.a, Policy: PolicyDirect}},
		Now:     h.clock.Now,
	}
	if useB {
		o.Sources = append(o.Sources, Source{Provider: h.b, Policy: PolicyExhaustive})
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(h.st, o)
	require.NoError(t, err)
	h.engine = e
	return h
}

// seedWork creates a work with one author and a library item for testUser.
func (h *harness) seedWork(t *testing.T, title string, edition *model.Edition) *model.ItemSnapshot {
	t.Helper()
	ctx := context.Background()
	w := &model.Work{Title: title}
	require.NoError(t, h.st.CreateWork(ctx, w, []string{"Frank Herbert"}))
	item := &model.LibraryItem{UserID: testUser, WorkID: w.ID}
	if edition != nil {
		edition.WorkID = w.ID
		require.NoError(t, h.st.CreateEdition(ctx, edition))
		item.PreferredEditionID = edition.ID
	}
	require.NoError(t, h.st.CreateLibraryItem(ctx, item))
	snap, err := h.st.GetItemSnapshot(ctx, testUser, item.ID)
	require.NoError(t, err)
	return snap
}

// enqueueOne enqueues a single item and returns the created task.
func (h *harness) enqueueOne(t *testing.T, itemID string) *model.Task {
	t.Helper()
	ctx := context.Background()
	res, err := h.engine.Enqueue(ctx, testUser, EnqueueRequest{ItemIDs: []string{itemID}})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	task, err := h.st.GetTask(ctx, testUser, res.Created[0])
	require.NoError(t, err)
	return task
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.st.GetTask(context.Background(), testUser, id)
	require.NoError(t, err)
	return task
}

func (h *harness) audit(t *testing.T, id string) []model.AuditEntry {
	t.Helper()
	entries, err := h.st.ListAudit(context.Background(), testUser, id)
	require.NoError(t, err)
	return entries
}
