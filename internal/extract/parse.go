package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Placeholders used when optional fields are missing.
const (
	UnknownTitle  = "Unknown Title"
	UnknownArtist = "Unknown Artist"
)

func newDocument(doc scrape.RawDocument) (*goquery.Document, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return d, nil
}

// ParseSearchResult returns the absolute URL of the first result on a search
// page, resolved against searchURL.
func ParseSearchResult(doc scrape.RawDocument, searchURL string, d SiteDescriptor) (string, error) {
	page, err := newDocument(doc)
	if err != nil {
		return "", err
	}
	block := page.Find(d.ResultSelector).First()
	if block.Length() == 0 {
		return "", fmt.Errorf("%w: no search results on %s", scrape.ErrNoContent, d.Name)
	}
	href, ok := block.Find(d.LinkSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", fmt.Errorf("%w: result on %s has no link", scrape.ErrNoContent, d.Name)
	}
	base, err := url.Parse(searchURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("%w: bad result link %q", scrape.ErrStructureMismatch, href)
	}
	return base.ResolveReference(ref).String(), nil
}

// ParseDetail extracts title, artist and body from a song page.
func ParseDetail(doc scrape.RawDocument, d SiteDescriptor) (scrape.Record, error) {
	page, err := newDocument(doc)
	if err != nil {
		return scrape.Record{}, err
	}
	body := page.Find(d.BodySelector).First()
	if body.Length() == 0 {
		return scrape.Record{}, fmt.Errorf("%w: %s body container %q missing",
			scrape.ErrStructureMismatch, d.Name, d.BodySelector)
	}
	return scrape.Record{
		Title:  firstText(page, d.TitleSelector, UnknownTitle),
		Author: firstText(page, d.AuthorSelector, UnknownArtist),
		Text:   strings.Join(textLines(body), "\n"),
	}, nil
}

// ParseArticle extracts a Medium or Freedium article.
func ParseArticle(doc scrape.RawDocument, freedium bool) (scrape.Record, error) {
	page, err := newDocument(doc)
	if err != nil {
		return scrape.Record{}, err
	}
	if freedium {
		return parseFreedium(page)
	}

	rec := scrape.Record{
		Title:     strings.TrimSpace(page.Find("h1").First().Text()),
		Author:    strings.TrimSpace(page.Find(`meta[name="author"]`).AttrOr("content", "")),
		Published: strings.TrimSpace(page.Find(`meta[property="article:published_time"]`).AttrOr("content", "")),
	}
	page.Find(`a[data-testid="topicTag"]`).Each(func(_ int, s *goquery.Selection) {
		if tag := strings.TrimSpace(s.Text()); tag != "" {
			rec.Tags = append(rec.Tags, tag)
		}
	})

	container := page.Find("article").First()
	if container.Length() == 0 {
		container = page.Find("div.postArticle-content").First()
	}
	if container.Length() == 0 {
		container = page.Selection
	}
	rec.Text = joinBlocks(container.Find("p"))
	if rec.Text == "" {
		return scrape.Record{}, fmt.Errorf("%w: article has no paragraphs", scrape.ErrNoContent)
	}
	return rec, nil
}

func parseFreedium(page *goquery.Document) (scrape.Record, error) {
	rec := scrape.Record{Title: strings.TrimSpace(page.Find("h1").First().Text())}

	if href, ok := page.Find("a.block.font-semibold").First().Attr("href"); ok && href != "" {
		rec.Author = strings.TrimSpace(href)
	} else if a := page.Find(`a[rel="author"]`).First(); a.Length() > 0 {
		rec.Author = strings.TrimSpace(a.Text())
	}
	if rec.Author == "" {
		return scrape.Record{}, fmt.Errorf("%w: freedium page has no author", scrape.ErrStructureMismatch)
	}

	var blocks *goquery.Selection
	for _, sel := range []string{"article", "div.mt-8.main-content", "div.content"} {
		if c := page.Find(sel).First(); c.Length() > 0 {
			blocks = c.Find("p, h2, h3, li")
			break
		}
	}
	if blocks == nil {
		blocks = page.Find("p")
	}
	rec.Text = joinBlocks(blocks)
	if rec.Text == "" {
		return scrape.Record{}, fmt.Errorf("%w: article has no paragraphs", scrape.ErrNoContent)
	}
	return rec, nil
}

// ParseThread extracts the post and its top-level comments from an
// old.reddit.com thread page.
func ParseThread(doc scrape.RawDocument) (scrape.Record, error) {
	page, err := newDocument(doc)
	if err != nil {
		return scrape.Record{}, err
	}
	post := page.Find("#siteTable .thing").First()
	if post.Length() == 0 {
		return scrape.Record{}, fmt.Errorf("%w: thread post missing", scrape.ErrStructureMismatch)
	}

	title := post.Find("a.title").First()
	tagline := post.Find("p.tagline").First()
	body := post.Find(".usertext-body").First()
	if title.Length() == 0 || tagline.Length() == 0 || body.Length() == 0 {
		return scrape.Record{}, fmt.Errorf("%w: thread post lacks title, author or body", scrape.ErrStructureMismatch)
	}

	author := strings.TrimSpace(tagline.Find("a.author").First().Text())
	if author == "" {
		author = strings.TrimSpace(tagline.Text())
	}
	rec := scrape.Record{
		Title:  strings.TrimSpace(title.Text()),
		Author: author,
		Text:   strings.Join(textLines(body), "\n"),
	}

	page.Find(".commentarea > .sitetable > .thing.comment").Each(func(_ int, c *goquery.Selection) {
		entry := c.Find(".entry").First()
		text := strings.Join(textLines(entry.Find(".usertext-body").First()), "\n")
		if text == "" {
			return
		}
		rec.Comments = append(rec.Comments, scrape.Comment{
			Author: strings.TrimSpace(entry.Find("a.author").First().Text()),
			Text:   text,
		})
	})
	return rec, nil
}

// ParseProxyList reads host:port pairs from a free-proxy-list style table.
func ParseProxyList(doc scrape.RawDocument) ([]string, error) {
	page, err := newDocument(doc)
	if err != nil {
		return nil, err
	}
	table := page.Find("table.table-striped").First()
	if table.Length() == 0 || table.Find("tbody").Length() == 0 {
		return nil, fmt.Errorf("%w: proxy table missing", scrape.ErrStructureMismatch)
	}
	var out []string
	table.Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
		cols := row.Find("td")
		if cols.Length() < 2 {
			return
		}
		host := strings.TrimSpace(cols.Eq(0).Text())
		port := strings.TrimSpace(cols.Eq(1).Text())
		if host == "" || port == "" {
			return
		}
		out = append(out, host+":"+port)
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: proxy table is empty", scrape.ErrNoContent)
	}
	return out, nil
}

func firstText(page *goquery.Document, selector, fallback string) string {
	if selector == "" {
		return fallback
	}
	if t := strings.TrimSpace(page.Find(selector).First().Text()); t != "" {
		return t
	}
	return fallback
}

func joinBlocks(s *goquery.Selection) string {
	var parts []string
	s.Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}

// textLines returns the trimmed, non-empty text nodes under s in document
// order, skipping scripts and styles.
func textLines(s *goquery.Selection) []string {
	var out []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "#text":
				if t := strings.TrimSpace(c.Text()); t != "" {
					out = append(out, t)
				}
			case "script", "style", "#comment":
			default:
				walk(c)
			}
		})
	}
	walk(s)
	return out
}
