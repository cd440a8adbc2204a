package notify

import (
	"strings"
	"testing"

	"flatfinder/pkg/flatfinder"
)

func TestFormatListing(t *testing.T) {
	l := &flatfinder.Listing{
		ID:    "123",
		Title: "Sunny <i>Altbau</i> & balcony",
		URL:   "https://www.immobilienscout24.de/expose/123",
		Size:  61.5,
		Rooms: 2,
		Price: 950,
	}

	got := FormatListing(l)
	want := "<a href=\"https://www.immobilienscout24.de/expose/123\"><b>Sunny Altbau &amp; balcony</b></a>\n" +
		"Rooms: <code>2</code>\n" +
		"Size: <code>61.5m²</code>\n" +
		"Price: <code>950€</code>\n"
	if got != want {
		t.Errorf("FormatListing() =\n%s\nwant\n%s", got, want)
	}
}

func TestFormatListingWholeSize(t *testing.T) {
	got := FormatListing(&flatfinder.Listing{Title: "x", URL: "https://x.test/1", Size: 40})
	if !strings.Contains(got, "Size: <code>40m²</code>") {
		t.Errorf("FormatListing() = %q, want integral size without decimals", got)
	}
}

func TestFormatAlertEscapes(t *testing.T) {
	got := FormatAlert("crawl failed: <html>")
	if strings.Contains(got, "<html>") {
		t.Errorf("FormatAlert() did not escape markup: %q", got)
	}
}
