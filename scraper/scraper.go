// Package scraper fetches and parses immobilienscout24 search result pages.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flatfinder/pkg/flatfinder"

	"github.com/PuerkitoBio/goquery"
)

const (
	exposeBaseURL   = "https://www.immobilienscout24.de/expose/"
	maxBodyBytes    = 10 << 20
	defaultMaxPages = 50
	resultListKey   = "resultlist.resultlist"
	realEstateKey   = "resultlist.realEstate"
)

// Page is one parsed result page.
type Page struct {
	Next    string            // Absolute URL of the next page, empty on the last page
	Entries []json.RawMessage // Raw resultlistEntry objects in source order
}

// HTTPError indicates the source answered with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsHTTPError checks if an error is an HTTP status error.
func IsHTTPError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he)
}

// SchemaError indicates a response whose shape the parser does not support.
type SchemaError struct {
	URL    string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %s", e.URL, e.Reason)
}

// IsSchemaError checks if an error is a response shape error.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Scraper fetches and parses search results.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	maxPages int
}

// New creates a new scraper. maxPages bounds pagination; zero selects the default.
func New(client *http.Client, logger *slog.Logger, maxPages int) *Scraper {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &Scraper{
		client:   client,
		logger:   logger,
		maxPages: maxPages,
	}
}

// Listings fetches every page of a search and converts the entries into listings for chatID.
// Any malformed entry fails the whole call.
func (s *Scraper) Listings(ctx context.Context, chatID int64, searchURL string) ([]*flatfinder.Listing, error) {
	entries, err := s.FetchAll(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	listings := make([]*flatfinder.Listing, 0, len(entries))
	for i, entry := range entries {
		l, err := toListing(chatID, entry)
		if err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				se.URL = searchURL
			}
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// FetchAll follows next-page links from searchURL and returns all entries in order.
func (s *Scraper) FetchAll(ctx context.Context, searchURL string) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	visited := make(map[string]bool)

	pageURL := searchURL
	for n := 1; pageURL != ""; n++ {
		if visited[pageURL] {
			return nil, &SchemaError{URL: pageURL, Reason: "pagination loops back to a visited page"}
		}
		if n > s.maxPages {
			return nil, &SchemaError{URL: searchURL, Reason: fmt.Sprintf("more than %d result pages", s.maxPages)}
		}
		visited[pageURL] = true

		page, err := s.FetchPage(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", n, err)
		}
		entries = append(entries, page.Entries...)
		pageURL = page.Next
	}

	s.logger.Info("Search fetched", "url", searchURL, "entries", len(entries))
	return entries, nil
}

// FetchPage performs one request against a search URL and parses the result.
// The source answers search URLs with JSON when the request is a POST without an Accept header.
func (s *Scraper) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	s.logger.Debug("HTTP request starting", "method", "POST", "url", pageURL, "purpose", "fetch_search_page")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "flatfinder/1.0")

	start := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		s.logger.Warn("HTTP request failed", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("request %s: %w", pageURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.Debug("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if isHTML(resp.Header.Get("Content-Type"), body) {
		return nil, &SchemaError{URL: pageURL, Reason: "got HTML page " + htmlTitle(body)}
	}

	page, err := parsePage(body, pageURL)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Search page parsed", "url", pageURL, "entries", len(page.Entries), "has_next", page.Next != "")
	return page, nil
}

type resultList struct {
	Paging *struct {
		Next *struct {
			Href string `json:"@xlink.href"`
		} `json:"next"`
	} `json:"paging"`
	ResultlistEntries []struct {
		ResultlistEntry json.RawMessage `json:"resultlistEntry"`
	} `json:"resultlistEntries"`
}

func parsePage(body []byte, pageURL string) (*Page, error) {
	var doc struct {
		SearchResponseModel map[string]json.RawMessage `json:"searchResponseModel"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &SchemaError{URL: pageURL, Reason: "invalid JSON: " + err.Error()}
	}

	rawList, ok := doc.SearchResponseModel[resultListKey]
	if !ok || isNull(rawList) {
		return nil, &SchemaError{URL: pageURL, Reason: "missing searchResponseModel[\"" + resultListKey + "\"]"}
	}

	var list resultList
	if err := json.Unmarshal(rawList, &list); err != nil {
		return nil, &SchemaError{URL: pageURL, Reason: "invalid result list: " + err.Error()}
	}

	if len(list.ResultlistEntries) > 1 {
		return nil, &SchemaError{
			URL:    pageURL,
			Reason: fmt.Sprintf("expected one resultlistEntries element, got %d", len(list.ResultlistEntries)),
		}
	}
	if list.Paging == nil {
		return nil, &SchemaError{URL: pageURL, Reason: "missing paging"}
	}

	page := &Page{}
	if len(list.ResultlistEntries) == 1 {
		entries, err := normalizeEntries(list.ResultlistEntries[0].ResultlistEntry)
		if err != nil {
			return nil, &SchemaError{URL: pageURL, Reason: err.Error()}
		}
		page.Entries = entries
	}

	if list.Paging.Next != nil && list.Paging.Next.Href != "" {
		next, err := resolveNext(pageURL, list.Paging.Next.Href)
		if err != nil {
			return nil, &SchemaError{URL: pageURL, Reason: err.Error()}
		}
		page.Next = next
	}
	return page, nil
}

// normalizeEntries turns the resultlistEntry value into a slice.
// The source folds a single result into a bare object.
func normalizeEntries(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("invalid resultlistEntry list: %w", err)
		}
		return entries, nil
	case '{':
		return []json.RawMessage{trimmed}, nil
	default:
		return nil, errors.New("resultlistEntry is neither an object nor a list")
	}
}

func resolveNext(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse next link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func toListing(chatID int64, entry json.RawMessage) (*flatfinder.Listing, error) {
	dec := json.NewDecoder(bytes.NewReader(entry))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, &SchemaError{Reason: "invalid entry: " + err.Error()}
	}

	realEstate, ok := fields[realEstateKey].(map[string]any)
	if !ok {
		return nil, &SchemaError{Reason: "missing " + realEstateKey}
	}
	for _, key := range []string{"@id", "numberOfRooms", "price", "livingSpace", "title"} {
		if _, ok := realEstate[key]; !ok {
			return nil, &SchemaError{Reason: "missing " + realEstateKey + "." + key}
		}
	}
	price, ok := realEstate["price"].(map[string]any)
	if !ok {
		return nil, &SchemaError{Reason: "price is not an object"}
	}
	priceValue, ok := price["value"]
	if !ok {
		return nil, &SchemaError{Reason: "missing " + realEstateKey + ".price.value"}
	}

	id, err := scalarString(realEstate["@id"])
	if err != nil {
		return nil, &SchemaError{Reason: "@id: " + err.Error()}
	}
	title, err := scalarString(realEstate["title"])
	if err != nil {
		return nil, &SchemaError{Reason: "title: " + err.Error()}
	}

	return flatfinder.NewListing(chatID, flatfinder.ListingDetails{
		ID:     id,
		Source: flatfinder.SourceImmoscout,
		Size:   realEstate["livingSpace"],
		Rooms:  realEstate["numberOfRooms"],
		Price:  priceValue,
		Title:  title,
		URL:    exposeBaseURL + url.PathEscape(id),
	}, entry)
}

func scalarString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "(unparseable)"
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "(untitled)"
	}
	return fmt.Sprintf("%q", title)
}
