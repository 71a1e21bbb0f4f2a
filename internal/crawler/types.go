package crawler

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Method names one extraction method in the fallback chain.
type Method string

// Extraction methods in chain order.
const (
	MethodStructured  Method = "structured"
	MethodReadability Method = "readability"
	MethodHeadless    Method = "headless"
)

// OutcomeKind is the tag of the Outcome sum type.
type OutcomeKind string

// Outcome variants returned by a single method invocation.
const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeNotFound      OutcomeKind = "permanent_not_found"
	OutcomeBotProtection OutcomeKind = "bot_protection"
	OutcomeRateLimited   OutcomeKind = "rate_limited"
	OutcomeTransient     OutcomeKind = "transient"
)

// Classification is the final per-URL verdict written to the result stream.
type Classification string

// Final classifications.
const (
	ClassSuccess           Classification = "success"
	ClassPermanentNotFound Classification = "permanent_not_found"
	ClassBotProtection     Classification = "bot_protection"
	ClassRateLimited       Classification = "rate_limited"
	ClassTransient         Classification = "transient"
	// ClassHeadlessExhausted keeps the historical wire value consumed downstream.
	ClassHeadlessExhausted Classification = "selenium_exhausted"
)

// ClassificationFor maps a failing outcome kind onto its final classification.
func ClassificationFor(kind OutcomeKind) Classification {
	switch kind {
	case OutcomeSuccess:
		return ClassSuccess
	case OutcomeNotFound:
		return ClassPermanentNotFound
	case OutcomeBotProtection:
		return ClassBotProtection
	case OutcomeRateLimited:
		return ClassRateLimited
	default:
		return ClassTransient
	}
}

// CandidateURL is one unit of work produced by upstream discovery.
type CandidateURL struct {
	URL     string `json:"url"`
	Host    string `json:"host"`
	Dataset string `json:"dataset"`
}

// ErrEmptyURL is returned when a candidate has no URL.
var ErrEmptyURL = errors.New("candidate url is empty")

// NewCandidate validates raw and derives the host.
func NewCandidate(raw, dataset string) (CandidateURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CandidateURL{}, ErrEmptyURL
	}
	host, err := HostOf(raw)
	if err != nil {
		return CandidateURL{}, err
	}
	return CandidateURL{URL: raw, Host: host, Dataset: dataset}, nil
}

// Article carries the fields a method managed to extract.
type Article struct {
	Title       string
	Author      string
	Body        string
	PublishedAt time.Time
}

// Fields reports which article fields are populated.
func (a Article) Fields() Fields {
	return Fields{
		Title:  strings.TrimSpace(a.Title) != "",
		Author: strings.TrimSpace(a.Author) != "",
		Body:   strings.TrimSpace(a.Body) != "",
		Date:   !a.PublishedAt.IsZero(),
	}
}

// Fields records field presence for telemetry and success checks.
type Fields struct {
	Title  bool `json:"title"`
	Author bool `json:"author"`
	Body   bool `json:"body"`
	Date   bool `json:"date"`
}

// Covers reports whether every field set in required is also set in f.
func (f Fields) Covers(required Fields) bool {
	return (!required.Title || f.Title) &&
		(!required.Author || f.Author) &&
		(!required.Body || f.Body) &&
		(!required.Date || f.Date)
}

// ParseFields builds a Fields mask from names such as "title" or "body".
func ParseFields(names []string) (Fields, error) {
	var f Fields
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "title":
			f.Title = true
		case "author":
			f.Author = true
		case "body":
			f.Body = true
		case "date", "published_at":
			f.Date = true
		case "":
		default:
			return Fields{}, errors.New("unknown article field " + name)
		}
	}
	return f, nil
}

// FetchRequest is what a method receives for one URL.
type FetchRequest struct {
	URL     string
	Host    string
	Dataset string
	Headers http.Header
}

// Outcome is the tagged result of one method invocation. Only the fields
// meaningful for Kind are populated.
type Outcome struct {
	Kind       OutcomeKind
	Article    Article
	StatusCode int
	FinalURL   string
	Raw        []byte
	Provider   string
	Reason     string
	Err        error
}

// Success builds a successful outcome.
func Success(article Article, status int, raw []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Article: article, StatusCode: status, Raw: raw}
}

// NotFound builds a permanent-gone outcome.
func NotFound(status int, reason string) Outcome {
	return Outcome{Kind: OutcomeNotFound, StatusCode: status, Reason: reason}
}

// BotProtection builds an outcome for a challenge or CAPTCHA page.
func BotProtection(status int, signature string) Outcome {
	return Outcome{Kind: OutcomeBotProtection, StatusCode: status, Reason: signature}
}

// RateLimited builds an outcome for throttling responses.
func RateLimited(status int, reason string) Outcome {
	return Outcome{Kind: OutcomeRateLimited, StatusCode: status, Reason: reason}
}

// Transient builds a recoverable failure outcome.
func Transient(status int, reason string, err error) Outcome {
	return Outcome{Kind: OutcomeTransient, StatusCode: status, Reason: reason, Err: err}
}

// ExtractionAttempt is one telemetry record per method invocation.
type ExtractionAttempt struct {
	RunID      string      `json:"run_id"`
	Dataset    string      `json:"dataset"`
	Method     Method      `json:"method"`
	URL        string      `json:"url"`
	Host       string      `json:"host"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Outcome    OutcomeKind `json:"outcome"`
	StatusCode int         `json:"status_code,omitempty"`
	Fields     Fields      `json:"fields"`
	Proxy      string      `json:"proxy,omitempty"`
	Note       string      `json:"note,omitempty"`
}

// Duration returns the wall time of the attempt.
func (a ExtractionAttempt) Duration() time.Duration {
	if a.FinishedAt.Before(a.StartedAt) {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// ExtractionResult is the final per-URL record written to the output stream.
type ExtractionResult struct {
	URL            string         `json:"url"`
	Host           string         `json:"host"`
	Dataset        string         `json:"dataset"`
	Success        bool           `json:"success"`
	Classification Classification `json:"classification"`
	Method         Method         `json:"method,omitempty"`
	Title          string         `json:"title,omitempty"`
	Author         string         `json:"author,omitempty"`
	Body           string         `json:"body,omitempty"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	ArchiveURI     string         `json:"archive_uri,omitempty"`
	Attempts       int            `json:"attempts"`
	CompletedAt    time.Time      `json:"completed_at"`
}
