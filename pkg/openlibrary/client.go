// Package openlibrary provides a client for the Open Library search, works,
// editions and ISBN APIs.
package openlibrary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-enricher/internal/resilience"
)

const (
	defaultBaseURL   = "https://openlibrary.org"
	defaultCoversURL = "https://covers.openlibrary.org"
	serviceName      = "openlibrary"
)

// Client defines the Open Library operations used for enrichment.
type Client interface {
	// Search runs a title/author query against search.json.
	Search(ctx context.Context, title, author string, limit int) ([]Doc, error)
	// Work fetches a work record. It returns nil, nil when the work does not exist.
	Work(ctx context.Context, workKey string) (*Work, error)
	// Editions lists up to limit editions of a work.
	Editions(ctx context.Context, workKey string, limit int) ([]Edition, error)
	// ISBN resolves an ISBN to its edition. It returns nil, nil when unknown.
	ISBN(ctx context.Context, isbn string) (*Edition, error)
	// CoverURL builds the large cover image URL for a cover id.
	CoverURL(coverID int) string
}

// Doc is one search.json result.
type Doc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorNames      []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	CoverID          int      `json:"cover_i"`
	ISBNs            []string `json:"isbn"`
	Publishers       []string `json:"publisher"`
	Languages        []string `json:"language"`
	EditionCount     int      `json:"edition_count"`
}

type searchResponse struct {
	NumFound int   `json:"numFound"`
	Docs     []Doc `json:"docs"`
}

// Work is the subset of a works/{id}.json record used for enrichment.
type Work struct {
	Key              string
	Title            string
	Description      string
	Covers           []int
	FirstPublishDate string
}

// Edition is the subset of an edition record used for enrichment.
type Edition struct {
	Key            string
	WorkKey        string
	Title          string
	Publishers     []string
	PublishDate    string
	ISBN10         []string
	ISBN13         []string
	Languages      []string
	PhysicalFormat string
	Covers         []int
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithCoversURL overrides the cover image host.
func WithCoversURL(u string) Option {
	return func(c *httpClient) {
		c.coversURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second ceiling. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the transport retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL   string
	coversURL string
	http      *http.Client
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
}

// NewClient creates an Open Library client limited to one request per second.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   defaultBaseURL,
		coversURL: defaultCoversURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(1, 1),
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger(serviceName, "get")
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, title, author string, limit int) ([]Doc, error) {
	q := url.Values{}
	q.Set("title", title)
	if author != "" {
		q.Set("author", author)
	}
	if limit <= 0 {
		limit = 5
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("fields", "key,title,author_name,first_publish_year,cover_i,isbn,publisher,language,edition_count")

	body, err := c.get(ctx, "/search.json", q)
	if err != nil {
		return nil, eris.Wrap(err, "openlibrary: search")
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &resilience.DecodeError{Service: serviceName, Err: err}
	}
	return resp.Docs, nil
}

func (c *httpClient) Work(ctx context.Context, workKey string) (*Work, error) {
	body, err := c.get(ctx, "/works/"+WorkID(workKey)+".json", nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "openlibrary: get work %s", workKey)
	}
	if !gjson.ValidBytes(body) {
		return nil, &resilience.DecodeError{Service: serviceName, Err: eris.New("invalid work json")}
	}

	w := &Work{
		Key:              gjson.GetBytes(body, "key").String(),
		Title:            gjson.GetBytes(body, "title").String(),
		Description:      textValue(gjson.GetBytes(body, "description")),
		FirstPublishDate: gjson.GetBytes(body, "first_publish_date").String(),
		Covers:           positiveInts(gjson.GetBytes(body, "covers")),
	}
	return w, nil
}

func (c *httpClient) Editions(ctx context.Context, workKey string, limit int) ([]Edition, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.get(ctx, "/works/"+WorkID(workKey)+"/editions.json", q)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "openlibrary: list editions %s", workKey)
	}
	if !gjson.ValidBytes(body) {
		return nil, &resilience.DecodeError{Service: serviceName, Err: eris.New("invalid editions json")}
	}

	var out []Edition
	gjson.GetBytes(body, "entries").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseEdition(v))
		return true
	})
	return out, nil
}

func (c *httpClient) ISBN(ctx context.Context, isbn string) (*Edition, error) {
	body, err := c.get(ctx, "/isbn/"+url.PathEscape(isbn)+".json", nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "openlibrary: lookup isbn %s", isbn)
	}
	if !gjson.ValidBytes(body) {
		return nil, &resilience.DecodeError{Service: serviceName, Err: eris.New("invalid edition json")}
	}
	e := parseEdition(gjson.ParseBytes(body))
	return &e, nil
}

func (c *httpClient) CoverURL(coverID int) string {
	if coverID <= 0 {
		return ""
	}
	return fmt.Sprintf("%s/b/id/%d-L.jpg", c.coversURL, coverID)
}

// WorkID strips the "/works/" prefix from a work key.
func WorkID(key string) string {
	return strings.TrimPrefix(key, "/works/")
}

func parseEdition(v gjson.Result) Edition {
	e := Edition{
		Key:            v.Get("key").String(),
		WorkKey:        v.Get("works.0.key").String(),
		Title:          v.Get("title").String(),
		PublishDate:    v.Get("publish_date").String(),
		PhysicalFormat: v.Get("physical_format").String(),
		Publishers:     stringList(v.Get("publishers")),
		ISBN10:         stringList(v.Get("isbn_10")),
		ISBN13:         stringList(v.Get("isbn_13")),
		Covers:         positiveInts(v.Get("covers")),
	}
	for _, lang := range v.Get("languages.#.key").Array() {
		e.Languages = append(e.Languages, strings.TrimPrefix(lang.String(), "/languages/"))
	}
	return e
}

// textValue reads a field that is either a plain string or a
// {"type": "/type/text", "value": "..."} object.
func textValue(v gjson.Result) string {
	if v.IsObject() {
		return v.Get("value").String()
	}
	return v.String()
}

// positiveInts drops the -1 placeholders Open Library uses for removed covers.
func positiveInts(v gjson.Result) []int {
	var out []int
	for _, r := range v.Array() {
		if n := int(r.Int()); n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func stringList(v gjson.Result) []string {
	var out []string
	for _, r := range v.Array() {
		if s := r.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var errNotFound = &resilience.StatusError{Service: serviceName, StatusCode: http.StatusNotFound}

func isNotFound(err error) bool {
	var se *resilience.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func (c *httpClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return resilience.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "openlibrary: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, eris.Wrap(err, "openlibrary: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "openlibrary: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "openlibrary: read response")
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, errNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.NewStatusError(serviceName, resp, body)
		}
		return body, nil
	})
}
