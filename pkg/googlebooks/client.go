// Package googlebooks provides a client for the Google Books volumes API.
package googlebooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-enricher/internal/resilience"
)

const (
	defaultBaseURL = "https://www.googleapis.com/books/v1"
	serviceName    = "googlebooks"
)

// Client performs Google Books volume lookups.
type Client interface {
	// Search queries volumes by title and author.
	Search(ctx context.Context, title, author string, limit int) ([]Volume, error)
	// Volume fetches one volume. It returns nil, nil when the id is unknown.
	Volume(ctx context.Context, id string) (*Volume, error)
	// ByISBN returns the volumes matching an ISBN.
	ByISBN(ctx context.Context, isbn string) ([]Volume, error)
}

// Volume is one Google Books volume.
type Volume struct {
	ID   string     `json:"id"`
	Info VolumeInfo `json:"volumeInfo"`
}

// VolumeInfo holds the bibliographic part of a volume.
type VolumeInfo struct {
	Title               string       `json:"title"`
	Subtitle            string       `json:"subtitle"`
	Authors             []string     `json:"authors"`
	Publisher           string       `json:"publisher"`
	PublishedDate       string       `json:"publishedDate"`
	Description         string       `json:"description"`
	IndustryIdentifiers []Identifier `json:"industryIdentifiers"`
	PageCount           int          `json:"pageCount"`
	PrintType           string       `json:"printType"`
	Language            string       `json:"language"`
	ImageLinks          ImageLinks   `json:"imageLinks"`
}

// Identifier is an industry identifier such as ISBN_13.
type Identifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// ImageLinks lists cover images from smallest to largest.
type ImageLinks struct {
	SmallThumbnail string `json:"smallThumbnail"`
	Thumbnail      string `json:"thumbnail"`
	Small          string `json:"small"`
	Medium         string `json:"medium"`
	Large          string `json:"large"`
}

// ISBN returns the identifier of the given type ("ISBN_10" or "ISBN_13").
func (v VolumeInfo) ISBN(kind string) string {
	for _, id := range v.IndustryIdentifiers {
		if id.Type == kind {
			return id.Identifier
		}
	}
	return ""
}

// BestImage returns the largest available cover image.
func (l ImageLinks) BestImage() string {
	for _, u := range []string{l.Large, l.Medium, l.Small, l.Thumbnail, l.SmallThumbnail} {
		if u != "" {
			return u
		}
	}
	return ""
}

type volumesResponse struct {
	TotalItems int      `json:"totalItems"`
	Items      []Volume `json:"items"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
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
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithRetry overrides the transport retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a Google Books client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger(serviceName, "get")
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, title, author string, limit int) ([]Volume, error) {
	terms := []string{"intitle:" + quote(title)}
	if author != "" {
		terms = append(terms, "inauthor:"+quote(author))
	}
	if limit <= 0 {
		limit = 5
	}
	vols, err := c.volumes(ctx, strings.Join(terms, " "), limit)
	return vols, eris.Wrap(err, "googlebooks: search")
}

func (c *httpClient) ByISBN(ctx context.Context, isbn string) ([]Volume, error) {
	vols, err := c.volumes(ctx, "isbn:"+isbn, 1)
	return vols, eris.Wrapf(err, "googlebooks: lookup isbn %s", isbn)
}

func (c *httpClient) Volume(ctx context.Context, id string) (*Volume, error) {
	body, err := c.get(ctx, "/volumes/"+url.PathEscape(id), url.Values{})
	var se *resilience.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "googlebooks: get volume %s", id)
	}
	var v Volume
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &resilience.DecodeError{Service: serviceName, Err: err}
	}
	return &v, nil
}

func (c *httpClient) volumes(ctx context.Context, q string, limit int) ([]Volume, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("maxResults", strconv.Itoa(limit))
	params.Set("printType", "books")

	body, err := c.get(ctx, "/volumes", params)
	if err != nil {
		return nil, err
	}
	var resp volumesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &resilience.DecodeError{Service: serviceName, Err: err}
	}
	return resp.Items, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	return resilience.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "googlebooks: rate limit wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, eris.Wrap(err, "googlebooks: create request")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "googlebooks: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "googlebooks: read response")
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.NewStatusError(serviceName, resp, body)
		}
		return body, nil
	})
}
