// Package metadata looks up book details in the Open Library catalog.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"communityshare/pkg/circuitbreaker"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL   = "https://openlibrary.org/"
	userAgent        = "CommunityShare/1.0"
	searchFields     = "key,title,edition_key,isbn,author_name,first_publish_year,cover_i"
	coverURLTemplate = "https://covers.openlibrary.org/b/id/%d-M.jpg"
)

var ErrUpstream = errors.New("open library request failed")

type SearchMode string

const (
	ModeTitle  SearchMode = "title"
	ModeAuthor SearchMode = "author"
	ModeIsbn   SearchMode = "isbn"
	ModeAll    SearchMode = "all"
)

// ParseSearchMode maps user input to a mode; anything unrecognised searches
// every field.
func ParseSearchMode(s string) SearchMode {
	switch SearchMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTitle:
		return ModeTitle
	case ModeAuthor:
		return ModeAuthor
	case ModeIsbn:
		return ModeIsbn
	default:
		return ModeAll
	}
}

type SearchResult struct {
	Title            string `json:"title"`
	Isbn             string `json:"isbn,omitempty"`
	WorkKey          string `json:"workKey,omitempty"`
	EditionKey       string `json:"editionKey,omitempty"`
	AuthorName       string `json:"authorName,omitempty"`
	FirstPublishYear *int   `json:"firstPublishYear,omitempty"`
	CoverID          *int   `json:"coverId,omitempty"`
	CoverURL         string `json:"coverUrl,omitempty"`
}

// LookupResult carries the raw Open Library record; it is stored on the
// item as is.
type LookupResult struct {
	Isbn       string `json:"isbn,omitempty"`
	EditionKey string `json:"editionKey,omitempty"`
	Title      string `json:"title,omitempty"`
	JSON       string `json:"json"`
}

type searchResponse struct {
	Docs []searchDoc `json:"docs"`
}

type searchDoc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	EditionKey       []string `json:"edition_key"`
	Isbn             []string `json:"isbn"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear *int     `json:"first_publish_year"`
	CoverI           *int     `json:"cover_i"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.NewCircuitBreaker(3, 30*time.Second),
	}
}

// Search queries the search index. A blank query returns no results.
func (c *Client) Search(ctx context.Context, query string, mode SearchMode, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 8
	}

	body, err := c.get(ctx, buildSearchPath(query, mode, limit))
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.Docs))
	for _, doc := range resp.Docs {
		r := SearchResult{
			Title:            doc.Title,
			Isbn:             PickPreferredIsbn(doc.Isbn),
			WorkKey:          doc.Key,
			AuthorName:       strings.Join(doc.AuthorName, ", "),
			FirstPublishYear: doc.FirstPublishYear,
			CoverID:          doc.CoverI,
		}
		if len(doc.EditionKey) > 0 {
			r.EditionKey = doc.EditionKey[0]
		}
		if doc.CoverI != nil {
			r.CoverURL = fmt.Sprintf(coverURLTemplate, *doc.CoverI)
		}
		results = append(results, r)
	}
	return results, nil
}

func buildSearchPath(query string, mode SearchMode, limit int) string {
	param := "q"
	switch mode {
	case ModeTitle:
		param = "title"
	case ModeAuthor:
		param = "author"
	case ModeIsbn:
		param = "isbn"
	}
	v := url.Values{}
	v.Set(param, query)
	v.Set("limit", strconv.Itoa(limit))
	v.Set("fields", searchFields)
	return "search.json?" + v.Encode()
}

// LookupByISBN fetches the book record for an ISBN. It returns nil without
// error when Open Library has no such book.
func (c *Client) LookupByISBN(ctx context.Context, isbn string) (*LookupResult, error) {
	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return nil, nil
	}
	res, err := c.lookup(ctx, "ISBN:"+isbn)
	if res != nil {
		res.Isbn = isbn
	}
	return res, err
}

func (c *Client) LookupByEditionKey(ctx context.Context, editionKey string) (*LookupResult, error) {
	editionKey = strings.TrimSpace(editionKey)
	if editionKey == "" {
		return nil, nil
	}
	res, err := c.lookup(ctx, "OLID:"+editionKey)
	if res != nil {
		res.EditionKey = editionKey
	}
	return res, err
}

func (c *Client) lookup(ctx context.Context, bibkey string) (*LookupResult, error) {
	v := url.Values{}
	v.Set("bibkeys", bibkey)
	v.Set("format", "json")
	v.Set("jscmd", "data")
	body, err := c.get(ctx, "api/books?"+v.Encode())
	if err != nil {
		return nil, err
	}

	var records map[string]struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode book record: %w", err)
	}
	record, ok := records[bibkey]
	if !ok {
		return nil, nil
	}
	return &LookupResult{Title: record.Title, JSON: string(body)}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := c.breaker.Execute(func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		request.Header.Set("User-Agent", userAgent)
		request.Header.Set("Accept", "application/json")

		response, err := c.httpClient.Do(request)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
		}
		body, err = io.ReadAll(response.Body)
		return err
	}, nil)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return body, err
}
