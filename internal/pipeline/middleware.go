package pipeline

import (
	"context"
	"html"
	"regexp"
	"strings"

	"github.com/wmhub/wmscraper/internal/types"
)

// tagRe matches HTML tags for the sanitize pass.
var tagRe = regexp.MustCompile(`<[^>]*>`)

// SanitizeMiddleware strips markup and decodes HTML entities in a
// candidate's text fields. Descriptions and bodies are extracted to plain
// text during feed normalization, but titles arrive as the feed wrote them;
// Google News wraps sources in <font>, Medium escapes apostrophes. Runs
// before trim so the rest of the chain sees clean text.
type SanitizeMiddleware struct{}

func (m *SanitizeMiddleware) Name() string { return "sanitize" }

func (m *SanitizeMiddleware) Process(_ context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	rec.Title = sanitizeText(rec.Title)
	rec.Description = sanitizeText(rec.Description)
	rec.Body = sanitizeText(rec.Body)
	rec.SourceName = sanitizeText(rec.SourceName)
	// Identity follows the cleaned title.
	rec.ContentHash = types.ContentHash(rec.URL, rec.Title)
	return rec, nil
}

// sanitizeText removes tags, then decodes entities, then collapses
// whitespace. Stripping before decoding keeps intentionally escaped markup
// ("&lt;b&gt;") as literal text.
func sanitizeText(s string) string {
	if s == "" {
		return ""
	}
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
