package googlebooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("test-key",
		WithBaseURL(srv.URL),
		WithRateLimit(0),
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
	)
}

const duneVolume = `{"id":"B1hSG45JCX4C","volumeInfo":{"title":"Dune","authors":["Frank Herbert"],
	"publisher":"Penguin","publishedDate":"2003-08-26","description":"<p>Desert planet.</p>",
	"industryIdentifiers":[{"type":"ISBN_10","identifier":"0441013597"},{"type":"ISBN_13","identifier":"9780441013593"}],
	"printType":"BOOK","language":"en","imageLinks":{"thumbnail":"http://books.google.com/thumb.jpg"}}}`

func TestSearch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/volumes", r.URL.Path)
		assert.Equal(t, `intitle:Dune inauthor:"Frank Herbert"`, r.URL.Query().Get("q"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "8", r.URL.Query().Get("maxResults"))
		w.Write([]byte(`{"totalItems":1,"items":[` + duneVolume + `]}`)) //nolint:errcheck
	})

	vols, err := client.Search(context.Background(), "Dune", "Frank Herbert", 8)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	info := vols[0].Info
	assert.Equal(t, "Dune", info.Title)
	assert.Equal(t, "9780441013593", info.ISBN("ISBN_13"))
	assert.Equal(t, "0441013597", info.ISBN("ISBN_10"))
	assert.Empty(t, info.ISBN("ISSN"))
	assert.Equal(t, "http://books.google.com/thumb.jpg", info.ImageLinks.BestImage())
}

func TestSearch_NoItems(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"kind":"books#volumes","totalItems":0}`)) //nolint:errcheck
	})

	vols, err := client.Search(context.Background(), "Nothing", "", 0)
	require.NoError(t, err)
	assert.Empty(t, vols)
}

func TestByISBN(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "isbn:9780441013593", r.URL.Query().Get("q"))
		w.Write([]byte(`{"totalItems":1,"items":[` + duneVolume + `]}`)) //nolint:errcheck
	})

	vols, err := client.ByISBN(context.Background(), "9780441013593")
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "B1hSG45JCX4C", vols[0].ID)
}

func TestVolume(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/volumes/B1hSG45JCX4C" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(duneVolume)) //nolint:errcheck
	})

	v, err := client.Volume(context.Background(), "B1hSG45JCX4C")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "Penguin", v.Info.Publisher)

	v, err = client.Volume(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRateLimited(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota"}}`)) //nolint:errcheck
	})

	_, err := client.Search(context.Background(), "Dune", "", 5)
	require.Error(t, err)
	assert.Equal(t, resilience.CodeRateLimited, resilience.Code(err))
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}),
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}))

	_, err := client.Search(context.Background(), "Dune", "", 5)
	require.Error(t, err)
	assert.Equal(t, resilience.CodeTimeout, resilience.Code(err))
}

func TestBestImage_Order(t *testing.T) {
	t.Parallel()
	links := ImageLinks{SmallThumbnail: "s", Medium: "m"}
	assert.Equal(t, "m", links.BestImage())
	assert.Empty(t, ImageLinks{}.BestImage())
}
