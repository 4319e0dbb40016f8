package feeds

import (
	"math/rand"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/wmhub/wmscraper/internal/types"
)

// Tags every feed-sourced candidate carries on top of the item's own
// categories.
var baseTags = []string{"webmethods", "rss"}

// normalizeItem maps one feed item onto a content record candidate. Items
// without a usable link or title are skipped outright; everything else is
// cleaned up by the pipeline.
func normalizeItem(item *gofeed.Item, src Source, category types.Category) *types.ContentRecord {
	link := itemLink(item)
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return nil
	}

	rec := types.NewContentRecord(link, title, category)
	rec.Description = htmlToText(item.Description)
	rec.Body = htmlToText(item.Content)
	rec.SourceName = src.Name
	rec.Tags = itemTags(item, category)
	rec.Relevance = 50 + rand.Intn(11)
	rec.ImageURL = itemImage(item)

	if u, err := url.Parse(link); err == nil {
		rec.SourceHost = types.NormalizeHost(u.Hostname())
	}
	if author := itemAuthor(item); author != nil {
		rec.Author = author
	}
	if ts := item.PublishedParsed; ts != nil {
		t := ts.UTC()
		rec.PublishedAt = &t
	} else if ts := item.UpdatedParsed; ts != nil {
		t := ts.UTC()
		rec.PublishedAt = &t
	}

	return rec
}

func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, link := range item.Links {
		if link = strings.TrimSpace(link); link != "" {
			return link
		}
	}
	return ""
}

func itemAuthor(item *gofeed.Item) *types.Author {
	if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
		return &types.Author{Name: strings.TrimSpace(item.Authors[0].Name)}
	}
	if item.Author != nil && item.Author.Name != "" {
		return &types.Author{Name: strings.TrimSpace(item.Author.Name)}
	}
	return nil
}

// itemTags merges the item's own categories with the base tags, lowercased
// and deduplicated, preserving order.
func itemTags(item *gofeed.Item, category types.Category) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, cat := range item.Categories {
		add(cat)
	}
	add(string(category))
	for _, tag := range baseTags {
		add(tag)
	}
	return tags
}

// itemImage picks a lead image: the feed's own image element, then an image
// enclosure, then the first <img> in the item content.
func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return leadImage(item.Content)
}

// leadImage extracts the first <img src> from an HTML fragment.
func leadImage(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	node := htmlquery.FindOne(doc, "//img")
	if node == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.SelectAttr(node, "src"))
}

// htmlToText strips markup from a feed fragment and collapses whitespace.
// Text nodes are joined with spaces so adjacent blocks do not run together.
// Non-HTML input passes through untouched apart from whitespace cleanup.
func htmlToText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	var b strings.Builder
	for _, root := range doc.Nodes {
		collectText(root, &b)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// collectText appends the text nodes under n, space-separated, skipping
// script and style subtrees.
func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
