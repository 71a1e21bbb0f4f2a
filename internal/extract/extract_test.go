package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

const jsonLDPage = `<!doctype html>
<html><head>
<title>Ignored | Gazette</title>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"WebSite","name":"Gazette"},
  {"@type":["NewsArticle"],"headline":"Council approves budget",
   "author":[{"@type":"Person","name":"Ana Ruiz"},{"@type":"Person","name":"Lee Park"}],
   "datePublished":"2024-03-05T14:30:00-05:00",
   "articleBody":"<p>The council voted 5-2.</p><p>Funding starts in July.</p>"}
]}
</script>
</head><body><h1>Different heading</h1></body></html>`

func TestStructuredPrefersJSONLD(t *testing.T) {
	t.Parallel()

	a, err := FromHTML([]byte(jsonLDPage))
	require.NoError(t, err)
	require.Equal(t, "Council approves budget", a.Title)
	require.Equal(t, "Ana Ruiz, Lee Park", a.Author)
	require.Equal(t, time.Date(2024, 3, 5, 19, 30, 0, 0, time.UTC), a.PublishedAt)
	require.Equal(t, "The council voted 5-2.\n\nFunding starts in July.", a.Body)
}

const metaPage = `<html><head>
<meta property="og:title" content="Bridge reopens after repairs">
<meta name="author" content="By Sam Ortiz">
<meta property="article:published_time" content="2024-06-01">
</head><body>
<nav><p>Menu</p></nav>
<article>
  <p>The bridge   reopened on Monday.</p>
  <p></p>
  <p>Crews finished two weeks early.</p>
</article>
</body></html>`

func TestStructuredFallsBackToMetaAndMarkup(t *testing.T) {
	t.Parallel()

	a, err := FromHTML([]byte(metaPage))
	require.NoError(t, err)
	require.Equal(t, "Bridge reopens after repairs", a.Title)
	require.Equal(t, "Sam Ortiz", a.Author)
	require.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), a.PublishedAt)
	require.Equal(t, "The bridge reopened on Monday.\n\nCrews finished two weeks early.", a.Body)
}

func TestStructuredUsesTimeElementAndBylineClass(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1> School board race </h1>
<span class="byline">by Jo Smith</span>
<time datetime="not a date">x</time>
<time datetime="2023-11-07T08:00:00Z">Nov 7</time>
<div class="story-body"><p>Three candidates filed.</p></div>
</body></html>`
	a, err := FromHTML([]byte(page))
	require.NoError(t, err)
	require.Equal(t, "School board race", a.Title)
	require.Equal(t, "Jo Smith", a.Author)
	require.Equal(t, time.Date(2023, 11, 7, 8, 0, 0, 0, time.UTC), a.PublishedAt)
	require.Equal(t, "Three candidates filed.", a.Body)
}

func TestAuthorURLIgnored(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta property="article:author" content="https://facebook.com/gazette"></head>
<body><a rel="author">Pat Lee</a></body></html>`
	a, err := FromHTML([]byte(page))
	require.NoError(t, err)
	require.Equal(t, "Pat Lee", a.Author)
}

func TestMalformedJSONLDIgnored(t *testing.T) {
	t.Parallel()

	page := `<html><head><script type="application/ld+json">{not json</script>
<title>Fallback title</title></head><body></body></html>`
	a, err := FromHTML([]byte(page))
	require.NoError(t, err)
	require.Equal(t, "Fallback title", a.Title)
	require.Empty(t, a.Body)
}

func TestSufficient(t *testing.T) {
	t.Parallel()

	required := crawler.Fields{Title: true, Body: true}
	a := crawler.Article{Title: "t", Body: strings.Repeat("x", 10)}
	require.True(t, Sufficient(a, required, 10))
	require.False(t, Sufficient(a, required, 11))
	require.False(t, Sufficient(crawler.Article{Body: "long enough"}, required, 1))
	require.True(t, Sufficient(crawler.Article{Title: "t"}, crawler.Fields{Title: true}, 500))
}

func TestMergeKeepsPrimary(t *testing.T) {
	t.Parallel()

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Merge(crawler.Article{Title: "A"}, crawler.Article{Title: "B", Author: "C", PublishedAt: when})
	require.Equal(t, crawler.Article{Title: "A", Author: "C", PublishedAt: when}, got)
}

func TestPublishedOrNil(t *testing.T) {
	t.Parallel()

	require.Nil(t, PublishedOrNil(time.Time{}))
	loc := time.FixedZone("EST", -5*3600)
	p := PublishedOrNil(time.Date(2024, 1, 1, 7, 0, 0, 0, loc))
	require.NotNil(t, p)
	require.Equal(t, time.UTC, p.Location())
	require.Equal(t, 12, p.Hour())
}
