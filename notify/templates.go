package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"flatfinder/pkg/flatfinder"

	"github.com/microcosm-cc/bluemonday"
)

var stripTags = bluemonday.StrictPolicy()

// FormatListing renders a listing as Telegram HTML: linked bold title followed by rooms, size and price.
func FormatListing(l *flatfinder.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<a href=\"%s\"><b>%s</b></a>\n", html.EscapeString(l.URL), plainText(l.Title))
	fmt.Fprintf(&b, "Rooms: <code>%d</code>\n", l.Rooms)
	fmt.Fprintf(&b, "Size: <code>%sm²</code>\n", strconv.FormatFloat(l.Size, 'f', -1, 64))
	fmt.Fprintf(&b, "Price: <code>%d€</code>\n", l.Price)
	return b.String()
}

// FormatAlert renders an operator alert.
func FormatAlert(text string) string {
	return "⚠️ <b>flatfinder error</b>\n<pre>" + html.EscapeString(text) + "</pre>"
}

// plainText strips markup from source text and escapes what remains.
// Sanitize leaves entities escaped, so unescape first to avoid double escaping.
func plainText(s string) string {
	stripped := html.UnescapeString(stripTags.Sanitize(s))
	return html.EscapeString(strings.TrimSpace(stripped))
}
