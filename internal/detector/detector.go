// Package detector classifies fetched responses: permanently gone pages,
// bot-protection challenges, and throttling. Signatures are data, so operators
// can extend the built-in set from configuration.
package detector

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

const defaultMaxScanBytes = 1 << 20

// Signature describes one bot-protection page family. A signature matches
// when its status and size filters pass and any one of its markers is found.
type Signature struct {
	Name           string   `mapstructure:"name"`
	BodyContains   []string `mapstructure:"body_contains"`
	Selectors      []string `mapstructure:"selectors"`
	TitleContains  []string `mapstructure:"title_contains"`
	Header         string   `mapstructure:"header"`
	HeaderContains string   `mapstructure:"header_contains"`
	Statuses       []int    `mapstructure:"statuses"`
	// MaxBodyBytes limits matching to small pages (0 = any size). Widget
	// markers use it because comment forms embed the same widgets.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// Config controls the detector.
type Config struct {
	Signatures      []Signature `mapstructure:"signatures"`
	DisableBuiltins bool        `mapstructure:"disable_builtins"`
	GoneMarkers     []string    `mapstructure:"gone_markers"`
	GoneTitles      []string    `mapstructure:"gone_titles"`
	MaxScanBytes    int         `mapstructure:"max_scan_bytes"`
}

// ForbiddenCounter tracks consecutive bare 403 responses per host.
type ForbiddenCounter interface {
	RecordForbidden(host string) int
	ForbiddenThreshold() int
}

// Verdict is the classification of one response. Pass means no failure
// signal was found and the caller should go on to extract fields.
type Verdict struct {
	Kind   crawler.OutcomeKind
	Reason string
	Pass   bool
}

// Outcome converts a failing verdict into a crawler.Outcome.
func (v Verdict) Outcome(status int) crawler.Outcome {
	switch v.Kind {
	case crawler.OutcomeNotFound:
		return crawler.NotFound(status, v.Reason)
	case crawler.OutcomeBotProtection:
		return crawler.BotProtection(status, v.Reason)
	case crawler.OutcomeRateLimited:
		return crawler.RateLimited(status, v.Reason)
	default:
		return crawler.Transient(status, v.Reason, nil)
	}
}

// Detector applies signatures to responses. It is immutable after New and
// safe for concurrent use.
type Detector struct {
	signatures  []compiledSignature
	goneMarkers [][]byte
	goneTitles  []string
	maxScan     int
}

type compiledSignature struct {
	Signature
	body     [][]byte
	titles   []string
	statuses map[int]struct{}
}

// New compiles cfg into a Detector.
func New(cfg Config) *Detector {
	sigs := cfg.Signatures
	if !cfg.DisableBuiltins {
		sigs = append(BuiltinSignatures(), sigs...)
	}
	goneMarkers := cfg.GoneMarkers
	if len(goneMarkers) == 0 {
		goneMarkers = defaultGoneMarkers
	}
	goneTitles := cfg.GoneTitles
	if len(goneTitles) == 0 {
		goneTitles = defaultGoneTitles
	}
	d := &Detector{
		goneMarkers: lowerAll(goneMarkers),
		maxScan:     cfg.MaxScanBytes,
	}
	for _, t := range goneTitles {
		d.goneTitles = append(d.goneTitles, strings.ToLower(t))
	}
	if d.maxScan <= 0 {
		d.maxScan = defaultMaxScanBytes
	}
	for _, s := range sigs {
		cs := compiledSignature{Signature: s, body: lowerAll(s.BodyContains)}
		for _, t := range s.TitleContains {
			cs.titles = append(cs.titles, strings.ToLower(t))
		}
		if len(s.Statuses) > 0 {
			cs.statuses = make(map[int]struct{}, len(s.Statuses))
			for _, st := range s.Statuses {
				cs.statuses[st] = struct{}{}
			}
		}
		d.signatures = append(d.signatures, cs)
	}
	return d
}

// Classify inspects one response. Precedence: gone status, bot protection,
// soft-gone markers, 429, bare 403 streaks, other error statuses.
func (d *Detector) Classify(host string, status int, headers http.Header, body []byte, fc ForbiddenCounter) Verdict {
	if status == http.StatusNotFound || status == http.StatusGone {
		return Verdict{Kind: crawler.OutcomeNotFound, Reason: http.StatusText(status)}
	}
	page := d.newPage(body)
	if name, ok := d.botProtection(status, headers, page); ok {
		return Verdict{Kind: crawler.OutcomeBotProtection, Reason: name}
	}
	if status >= 200 && status < 300 {
		if marker, ok := d.gone(page); ok {
			return Verdict{Kind: crawler.OutcomeNotFound, Reason: marker}
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return Verdict{Kind: crawler.OutcomeRateLimited, Reason: "http 429"}
	case status == http.StatusForbidden:
		if fc != nil && fc.RecordForbidden(host) >= fc.ForbiddenThreshold() {
			return Verdict{Kind: crawler.OutcomeRateLimited, Reason: "repeated bare 403"}
		}
		return Verdict{Kind: crawler.OutcomeTransient, Reason: "http 403"}
	case status >= 400 || status == 0:
		return Verdict{Kind: crawler.OutcomeTransient, Reason: fmt.Sprintf("http %d", status)}
	}
	return Verdict{Pass: true}
}

// BotProtection reports the name of the first matching signature.
func (d *Detector) BotProtection(status int, headers http.Header, body []byte) (string, bool) {
	return d.botProtection(status, headers, d.newPage(body))
}

func (d *Detector) botProtection(status int, headers http.Header, p *page) (string, bool) {
	for i := range d.signatures {
		if d.signatures[i].matches(status, headers, p) {
			return d.signatures[i].Name, true
		}
	}
	return "", false
}

func (d *Detector) gone(p *page) (string, bool) {
	for _, m := range d.goneMarkers {
		if bytes.Contains(p.lower, m) {
			return string(m), true
		}
	}
	title := p.title()
	for _, t := range d.goneTitles {
		if title != "" && strings.Contains(title, t) {
			return "title: " + t, true
		}
	}
	return "", false
}

func (s *compiledSignature) matches(status int, headers http.Header, p *page) bool {
	if s.statuses != nil {
		if _, ok := s.statuses[status]; !ok {
			return false
		}
	}
	if s.MaxBodyBytes > 0 && p.size > s.MaxBodyBytes {
		return false
	}
	if s.Header != "" && headers != nil {
		if v := headers.Get(s.Header); v != "" &&
			(s.HeaderContains == "" || strings.Contains(strings.ToLower(v), strings.ToLower(s.HeaderContains))) {
			return true
		}
	}
	for _, m := range s.body {
		if bytes.Contains(p.lower, m) {
			return true
		}
	}
	if len(s.titles) > 0 {
		title := p.title()
		for _, t := range s.titles {
			if title != "" && strings.Contains(title, t) {
				return true
			}
		}
	}
	if len(s.Selectors) == 0 {
		return false
	}
	if doc := p.doc(); doc != nil {
		for _, sel := range s.Selectors {
			if sel != "" && doc.Find(sel).Length() > 0 {
				return true
			}
		}
	}
	return false
}

// page lazily parses the body once per classification.
type page struct {
	raw    []byte
	lower  []byte
	size   int
	parsed bool
	dom    *goquery.Document
}

func (d *Detector) newPage(body []byte) *page {
	scan := body
	if len(scan) > d.maxScan {
		scan = scan[:d.maxScan]
	}
	return &page{raw: scan, lower: bytes.ToLower(scan), size: len(body)}
}

func (p *page) doc() *goquery.Document {
	if !p.parsed {
		p.parsed = true
		if len(p.raw) > 0 {
			if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.raw)); err == nil {
				p.dom = doc
			}
		}
	}
	return p.dom
}

func (p *page) title() string {
	doc := p.doc()
	if doc == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
}

func lowerAll(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(s)))
	}
	return out
}
