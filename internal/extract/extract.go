// Package extract pulls article fields (title, author, body, publish date)
// out of HTML using structured metadata first and markup heuristics second.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

var articleTypes = map[string]struct{}{
	"article":              {},
	"newsarticle":          {},
	"reportagenewsarticle": {},
	"blogposting":          {},
	"analysisnewsarticle":  {},
	"opinionnewsarticle":   {},
	"reviewnewsarticle":    {},
	"webpage":              {},
}

var (
	titleMeta = []string{
		`meta[property="og:title"]`,
		`meta[name="twitter:title"]`,
		`meta[name="parsely-title"]`,
		`meta[name="dc.title"]`,
	}
	authorMeta = []string{
		`meta[name="author"]`,
		`meta[name="parsely-author"]`,
		`meta[property="article:author"]`,
		`meta[name="byl"]`,
		`meta[name="dc.creator"]`,
		`meta[name="sailthru.author"]`,
	}
	authorSelectors = []string{
		`[itemprop="author"] [itemprop="name"]`,
		`[itemprop="author"]`,
		`[rel="author"]`,
		`.byline__name`,
		`.author-name`,
		`.byline`,
	}
	dateMeta = []string{
		`meta[property="article:published_time"]`,
		`meta[name="parsely-pub-date"]`,
		`meta[itemprop="datePublished"]`,
		`meta[name="pubdate"]`,
		`meta[name="publishdate"]`,
		`meta[name="dc.date.issued"]`,
		`meta[name="dc.date"]`,
		`meta[name="date"]`,
		`meta[property="og:published_time"]`,
	}
	bodySelectors = []string{
		`[itemprop="articleBody"]`,
		`article .article-body`,
		`.article-body`,
		`.story-body`,
		`.entry-content`,
		`article`,
		`main`,
	}
)

// FromHTML parses body and runs Structured over it.
func FromHTML(body []byte) (crawler.Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Article{}, fmt.Errorf("parse html: %w", err)
	}
	return Structured(doc), nil
}

// Structured extracts fields in precedence order: JSON-LD, meta tags, markup.
func Structured(doc *goquery.Document) crawler.Article {
	article := fromJSONLD(doc)

	if article.Title == "" {
		article.Title = firstMeta(doc, titleMeta)
	}
	if article.Title == "" {
		article.Title = CollapseSpace(doc.Find("h1").First().Text())
	}
	if article.Title == "" {
		article.Title = CollapseSpace(doc.Find("title").First().Text())
	}

	if article.Author == "" {
		article.Author = CleanAuthor(firstMeta(doc, authorMeta))
	}
	if article.Author == "" {
		for _, sel := range authorSelectors {
			if a := CleanAuthor(doc.Find(sel).First().Text()); a != "" {
				article.Author = a
				break
			}
		}
	}

	if article.PublishedAt.IsZero() {
		if t, ok := ParseDate(firstMeta(doc, dateMeta)); ok {
			article.PublishedAt = t
		}
	}
	if article.PublishedAt.IsZero() {
		doc.Find("time[datetime]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			raw, _ := s.Attr("datetime")
			if t, ok := ParseDate(raw); ok {
				article.PublishedAt = t
				return false
			}
			return true
		})
	}

	if article.Body == "" {
		article.Body = paragraphs(doc)
	}
	return article
}

// Sufficient reports whether article carries the required fields and a body
// of at least minBody characters when the body is required.
func Sufficient(article crawler.Article, required crawler.Fields, minBody int) bool {
	if !article.Fields().Covers(required) {
		return false
	}
	if required.Body && len([]rune(article.Body)) < minBody {
		return false
	}
	return true
}

// Merge fills empty fields of primary from secondary.
func Merge(primary, secondary crawler.Article) crawler.Article {
	if primary.Title == "" {
		primary.Title = secondary.Title
	}
	if primary.Author == "" {
		primary.Author = secondary.Author
	}
	if primary.Body == "" {
		primary.Body = secondary.Body
	}
	if primary.PublishedAt.IsZero() {
		primary.PublishedAt = secondary.PublishedAt
	}
	return primary
}

func fromJSONLD(doc *goquery.Document) crawler.Article {
	var out crawler.Article
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &payload); err != nil {
			return true
		}
		for _, node := range flattenLD(payload) {
			if !isArticleNode(node) {
				continue
			}
			out = Merge(out, articleFromNode(node))
		}
		return out.Title == "" || out.Body == "" || out.PublishedAt.IsZero() || out.Author == ""
	})
	return out
}

func flattenLD(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range t {
			out = append(out, flattenLD(item)...)
		}
		return out
	case map[string]any:
		out := []map[string]any{t}
		if graph, ok := t["@graph"]; ok {
			out = append(out, flattenLD(graph)...)
		}
		return out
	default:
		return nil
	}
}

func isArticleNode(node map[string]any) bool {
	for _, typ := range stringsOf(node["@type"]) {
		if _, ok := articleTypes[strings.ToLower(typ)]; ok {
			return true
		}
	}
	return false
}

func articleFromNode(node map[string]any) crawler.Article {
	var a crawler.Article
	if h := firstString(node["headline"]); h != "" {
		a.Title = CollapseSpace(h)
	} else if n := firstString(node["name"]); n != "" {
		a.Title = CollapseSpace(n)
	}
	a.Author = CleanAuthor(strings.Join(authorNames(node["author"]), ", "))
	if t, ok := ParseDate(firstString(node["datePublished"])); ok {
		a.PublishedAt = t
	} else if t, ok := ParseDate(firstString(node["dateCreated"])); ok {
		a.PublishedAt = t
	}
	if body := firstString(node["articleBody"]); body != "" {
		a.Body = CleanText(body)
	}
	return a
}

func authorNames(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if name := firstString(t["name"]); name != "" {
			return []string{name}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, authorNames(item)...)
		}
		return out
	}
	return nil
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func firstString(v any) string {
	if s := stringsOf(v); len(s) > 0 {
		return strings.TrimSpace(s[0])
	}
	return ""
}

func firstMeta(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func paragraphs(doc *goquery.Document) string {
	for _, sel := range bodySelectors {
		container := doc.Find(sel).First()
		if container.Length() == 0 {
			continue
		}
		var parts []string
		container.Find("p").Each(func(_ int, p *goquery.Selection) {
			if text := CollapseSpace(p.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n")
		}
	}
	return ""
}

// CleanAuthor normalizes a byline and drops profile URLs.
func CleanAuthor(raw string) string {
	a := CollapseSpace(raw)
	if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
		return ""
	}
	lower := strings.ToLower(a)
	if strings.HasPrefix(lower, "by ") {
		a = strings.TrimSpace(a[3:])
	}
	return a
}

// PublishedOrNil returns a pointer for non-zero times.
func PublishedOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
