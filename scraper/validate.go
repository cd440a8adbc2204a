package scraper

import (
	"errors"
	"net/url"
	"strings"
)

const searchHost = "www.immobilienscout24.de"

// ErrInvalidSearchURL is returned for URLs that are not apartment searches.
var ErrInvalidSearchURL = errors.New("not an immobilienscout24 apartment search url")

// ValidateSearchURL checks that raw is an https apartment search on immobilienscout24
// with a non-empty query string. Surrounding whitespace is rejected so that a
// valid URL is always usable as a request target without further cleanup.
func ValidateSearchURL(raw string) error {
	if raw == "" || raw != strings.TrimSpace(raw) {
		return ErrInvalidSearchURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidSearchURL
	}
	if u.Scheme != "https" || u.Host != searchHost {
		return ErrInvalidSearchURL
	}
	if !strings.HasPrefix(u.Path, "/Suche") || !strings.Contains(u.Path, "wohnung") {
		return ErrInvalidSearchURL
	}
	if u.RawQuery == "" {
		return ErrInvalidSearchURL
	}
	return nil
}
