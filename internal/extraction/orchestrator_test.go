package extraction

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LocalNewsImpact/newscrawler/internal/clock/manual"
	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/deadurl"
	"github.com/LocalNewsImpact/newscrawler/internal/domainstate"
	"github.com/LocalNewsImpact/newscrawler/internal/hash/sha256"
)

const rawPage = "<html><body><article>River levels</article></body></html>"

// scripted returns queued outcomes in order and repeats the last one.
type scripted struct {
	method crawler.Method

	mu       sync.Mutex
	outcomes []crawler.Outcome
	calls    int
	panicMsg string
	during   func()
}

func (s *scripted) Method() crawler.Method { return s.method }

func (s *scripted) Extract(_ context.Context, _ crawler.FetchRequest) crawler.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.during != nil {
		s.during()
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if len(s.outcomes) == 0 {
		return crawler.Transient(0, "unscripted", nil)
	}
	out := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return out
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func method(m crawler.Method, outcomes ...crawler.Outcome) *scripted {
	return &scripted{method: m, outcomes: outcomes}
}

type recordingEmitter struct {
	mu       sync.Mutex
	attempts []crawler.ExtractionAttempt
}

func (e *recordingEmitter) Emit(a crawler.ExtractionAttempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts = append(e.attempts, a)
}

func (e *recordingEmitter) Attempts() []crawler.ExtractionAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]crawler.ExtractionAttempt(nil), e.attempts...)
}

type panickingEmitter struct{}

func (panickingEmitter) Emit(crawler.ExtractionAttempt) { panic("sink exploded") }

type memoryBlobs struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *memoryBlobs) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return "mem://" + path, nil
}

type harness struct {
	orch    *Orchestrator
	clock   *manual.Clock
	tracker *domainstate.Tracker
	dead    *deadurl.Cache
	emitter *recordingEmitter
}

func newHarness(t *testing.T, structured, readability, headless crawler.Extractor, mutate func(*Config)) *harness {
	t.Helper()
	clk := manual.New(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	tracker, err := domainstate.New(domainstate.DefaultConfig(),
		domainstate.WithClock(clk),
		domainstate.WithRand(rand.New(rand.NewPCG(7, 11))),
	)
	require.NoError(t, err)
	h := &harness{
		clock:   clk,
		tracker: tracker,
		dead:    deadurl.New(deadurl.Config{}, clk),
		emitter: &recordingEmitter{},
	}
	cfg := Config{
		Tracker: tracker,
		Dead:    h.dead,
		Emitter: h.emitter,
		Hasher:  sha256.New(),
		Clock:   clk,
		RunID:   "run-1",
	}
	cfg.Structured = structured
	cfg.Readability = readability
	cfg.Headless = headless
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch, err = New(cfg)
	require.NoError(t, err)
	return h
}

func candidate(t *testing.T, raw string) crawler.CandidateURL {
	t.Helper()
	c, err := crawler.NewCandidate(raw, "local-news")
	require.NoError(t, err)
	return c
}

func success(title string) crawler.Outcome {
	return crawler.Success(crawler.Article{
		Title:       title,
		Body:        "River levels fell overnight.",
		PublishedAt: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
	}, http.StatusOK, []byte(rawPage))
}

func TestNewRequiresAMethod(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoMethods)

	o, err := New(Config{Headless: method(crawler.MethodHeadless)})
	require.NoError(t, err)
	require.NotNil(t, o.Tracker())
	require.NotNil(t, o.DeadURLs())
}

func TestStructuredSuccessStopsChain(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured, success("Flood warning lifted"))
	m2 := method(crawler.MethodReadability)
	m3 := method(crawler.MethodHeadless)
	h := newHarness(t, m1, m2, m3, nil)

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Equal(t, crawler.ClassSuccess, res.Classification)
	require.Equal(t, crawler.MethodStructured, res.Method)
	require.Equal(t, "Flood warning lifted", res.Title)
	require.NotNil(t, res.PublishedAt)
	require.Equal(t, sha256.New().Hash([]byte(rawPage)), res.ContentHash)
	require.Equal(t, 1, res.Attempts)
	require.Zero(t, m2.Calls())
	require.Zero(t, m3.Calls())

	attempts := h.emitter.Attempts()
	require.Len(t, attempts, 1)
	require.Equal(t, "run-1", attempts[0].RunID)
	require.Equal(t, crawler.OutcomeSuccess, attempts[0].Outcome)
	require.True(t, attempts[0].Fields.Title)
	require.True(t, attempts[0].Fields.Date)
	require.False(t, attempts[0].Fields.Author)
}

func TestNotFoundIsCachedAndShortCircuits(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured, crawler.NotFound(http.StatusNotFound, "http status 404"))
	m2 := method(crawler.MethodReadability)
	m3 := method(crawler.MethodHeadless)
	h := newHarness(t, m1, m2, m3, nil)
	c := candidate(t, "https://news.example.com/gone")

	res := h.orch.Extract(context.Background(), c, nil)
	require.False(t, res.Success)
	require.Equal(t, crawler.ClassPermanentNotFound, res.Classification)
	require.Equal(t, 1, m1.Calls())
	require.Zero(t, m2.Calls())
	require.Zero(t, m3.Calls())
	require.Equal(t, 1, h.dead.Len())

	h.clock.Advance(time.Hour)
	res = h.orch.Extract(context.Background(), c, nil)
	require.Equal(t, crawler.ClassPermanentNotFound, res.Classification)
	require.Zero(t, res.Attempts)
	require.Equal(t, 1, m1.Calls())
	require.Len(t, h.emitter.Attempts(), 1)

	// Expired entries no longer short-circuit.
	h.clock.Advance(deadurl.DefaultTTL)
	h.orch.Extract(context.Background(), c, nil)
	require.Equal(t, 2, m1.Calls())
}

func TestBotProtectionSkipsReadabilityAndHeadlessSucceeds(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured, crawler.BotProtection(http.StatusForbidden, "cloudflare-challenge"))
	m2 := method(crawler.MethodReadability)
	m3 := method(crawler.MethodHeadless, success("Rendered"))
	h := newHarness(t, m1, m2, m3, nil)

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Equal(t, crawler.MethodHeadless, res.Method)
	require.Equal(t, 2, res.Attempts)
	require.Zero(t, m2.Calls())

	state, ok := h.tracker.Snapshot("news.example.com")
	require.True(t, ok)
	require.Equal(t, 1, state.CaptchaAttempts)
	require.True(t, state.CaptchaBackoffUntil.After(h.clock.Now()))
	require.Zero(t, state.HeadlessFailures)

	attempts := h.emitter.Attempts()
	require.Len(t, attempts, 2)
	require.Equal(t, crawler.OutcomeBotProtection, attempts[0].Outcome)
	require.Equal(t, "cloudflare-challenge", attempts[0].Note)
	require.Equal(t, crawler.MethodHeadless, attempts[1].Method)
}

func TestRateLimitSkipsReadability(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured, crawler.RateLimited(http.StatusTooManyRequests, "http status 429"))
	m2 := method(crawler.MethodReadability)
	m3 := method(crawler.MethodHeadless, crawler.Transient(0, "render failed", errors.New("timeout")))
	h := newHarness(t, m1, m2, m3, nil)

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.False(t, res.Success)
	require.Equal(t, crawler.ClassTransient, res.Classification)
	require.Zero(t, m2.Calls())
	require.Equal(t, 1, m3.Calls())
	require.True(t, h.tracker.IsGenericBackoffActive("news.example.com"))
	require.False(t, h.tracker.IsCaptchaBackoffActive("news.example.com"))
}

func TestActiveBackoffSkipsHTTPMethodsButNotHeadless(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured)
	m2 := method(crawler.MethodReadability)
	m3 := method(crawler.MethodHeadless, success("Rendered"))
	h := newHarness(t, m1, m2, m3, nil)
	h.tracker.RecordRateLimit("news.example.com")

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Equal(t, crawler.MethodHeadless, res.Method)
	require.Zero(t, m1.Calls())
	require.Zero(t, m2.Calls())
	require.Equal(t, 1, m3.Calls())
}

func TestActiveCaptchaBackoffWithoutHeadlessReportsBotProtection(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured)
	h := newHarness(t, m1, nil, nil, nil)
	h.tracker.RecordBotProtection("news.example.com")

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.Equal(t, crawler.ClassBotProtection, res.Classification)
	require.Zero(t, res.Attempts)
	require.Zero(t, m1.Calls())
}

func TestTransientFallsThroughToReadability(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured, crawler.Transient(http.StatusOK, "missing required fields", nil))
	m2 := method(crawler.MethodReadability, success("Readable"))
	m3 := method(crawler.MethodHeadless)
	h := newHarness(t, m1, m2, m3, nil)

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), http.Header{"User-Agent": {"ua"}})
	require.True(t, res.Success)
	require.Equal(t, crawler.MethodReadability, res.Method)
	require.Equal(t, 2, res.Attempts)
	require.Zero(t, m3.Calls())
}

func TestHeadlessBreakerOpensAfterLimit(t *testing.T) {
	t.Parallel()

	fail := crawler.Transient(0, "fetch failed", errors.New("boom"))
	m1 := method(crawler.MethodStructured, fail)
	m2 := method(crawler.MethodReadability, fail)
	m3 := method(crawler.MethodHeadless, crawler.Transient(0, "render failed", errors.New("crash")))
	h := newHarness(t, m1, m2, m3, nil)

	urls := []string{
		"https://news.example.com/1",
		"https://news.example.com/2",
		"https://news.example.com/3",
		"https://news.example.com/4",
	}
	var classes []crawler.Classification
	for _, u := range urls {
		classes = append(classes, h.orch.Extract(context.Background(), candidate(t, u), nil).Classification)
	}
	require.Equal(t, []crawler.Classification{
		crawler.ClassTransient,
		crawler.ClassTransient,
		crawler.ClassHeadlessExhausted,
		crawler.ClassTransient,
	}, classes)
	require.Equal(t, 3, m3.Calls())
	require.True(t, h.tracker.HeadlessExhausted("news.example.com"))

	var headlessAttempts int
	for _, a := range h.emitter.Attempts() {
		if a.Method == crawler.MethodHeadless {
			headlessAttempts++
		}
	}
	require.Equal(t, 3, headlessAttempts)
}

func TestHeadlessSuccessResetsFailures(t *testing.T) {
	t.Parallel()

	m3 := method(crawler.MethodHeadless,
		crawler.Transient(0, "render failed", nil),
		crawler.Transient(0, "render failed", nil),
		success("Rendered"),
	)
	h := newHarness(t, nil, nil, m3, nil)

	for i := 0; i < 2; i++ {
		h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	}
	require.Equal(t, 2, h.tracker.HeadlessFailures("news.example.com"))

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Zero(t, h.tracker.HeadlessFailures("news.example.com"))
}

func TestHeadlessNotFoundIsCachedWithoutTrippingBreaker(t *testing.T) {
	t.Parallel()

	m3 := method(crawler.MethodHeadless, crawler.NotFound(http.StatusGone, "http status 410"))
	h := newHarness(t, nil, nil, m3, nil)

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.Equal(t, crawler.ClassPermanentNotFound, res.Classification)
	require.Zero(t, h.tracker.HeadlessFailures("news.example.com"))
	require.Equal(t, 1, h.dead.Len())
}

func TestPanickingMethodIsTransient(t *testing.T) {
	t.Parallel()

	m1 := &scripted{method: crawler.MethodStructured, panicMsg: "nil map"}
	m2 := method(crawler.MethodReadability, success("Readable"))
	h := newHarness(t, m1, m2, nil, nil)

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	attempts := h.emitter.Attempts()
	require.Len(t, attempts, 2)
	require.Equal(t, crawler.OutcomeTransient, attempts[0].Outcome)
	require.Equal(t, "method panic", attempts[0].Note)
}

func TestEmitterPanicDoesNotFailExtraction(t *testing.T) {
	t.Parallel()

	m1 := method(crawler.MethodStructured, success("Story"))
	h := newHarness(t, m1, nil, nil, func(c *Config) { c.Emitter = panickingEmitter{} })

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
}

func TestArchiveRawHTML(t *testing.T) {
	t.Parallel()

	blobs := &memoryBlobs{}
	m1 := method(crawler.MethodStructured, success("Story"))
	h := newHarness(t, m1, nil, nil, func(c *Config) { c.Archive = blobs })

	res := h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Equal(t, []string{"local-news/" + res.ContentHash + ".html"}, blobs.paths)
	require.Equal(t, "mem://local-news/"+res.ContentHash+".html", res.ArchiveURI)

	failing := &memoryBlobs{err: errors.New("bucket gone")}
	h = newHarness(t, method(crawler.MethodStructured, success("Story")), nil, nil, func(c *Config) { c.Archive = failing })
	res = h.orch.Extract(context.Background(), candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Empty(t, res.ArchiveURI)
}

func TestCancelMidChainStillReachesHeadless(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m1 := method(crawler.MethodStructured)
	m1.during = cancel
	m2 := method(crawler.MethodReadability)
	m3 := method(crawler.MethodHeadless, success("Rendered"))
	h := newHarness(t, m1, m2, m3, nil)

	res := h.orch.Extract(ctx, candidate(t, "https://news.example.com/a"), nil)
	require.True(t, res.Success)
	require.Equal(t, crawler.MethodHeadless, res.Method)
	require.Equal(t, 1, m2.Calls())
	require.Equal(t, 1, m3.Calls())
	require.Len(t, h.emitter.Attempts(), 3)
}
