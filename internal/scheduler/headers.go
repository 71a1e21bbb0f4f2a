package scheduler

import (
	"math/rand/v2"
	"net/url"
)

// DefaultUserAgents is used when no pool is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.4; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// UserAgentRotator hands out one User-Agent for K requests, then switches.
// K is redrawn from [minEvery, maxEvery] after every switch. Not safe for
// concurrent use.
type UserAgentRotator struct {
	agents   []string
	minEvery int
	maxEvery int
	rng      *rand.Rand

	idx       int
	used      int
	threshold int
}

// NewUserAgentRotator builds a rotator. An empty pool uses DefaultUserAgents.
func NewUserAgentRotator(agents []string, minEvery, maxEvery int, rng *rand.Rand) *UserAgentRotator {
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	if minEvery <= 0 {
		minEvery = 1
	}
	if maxEvery < minEvery {
		maxEvery = minEvery
	}
	r := &UserAgentRotator{
		agents:   append([]string(nil), agents...),
		minEvery: minEvery,
		maxEvery: maxEvery,
		rng:      rng,
		idx:      rng.IntN(len(agents)),
	}
	r.threshold = r.draw()
	return r
}

// Next returns the User-Agent for the next request.
func (r *UserAgentRotator) Next() string {
	if r.used >= r.threshold {
		r.advance()
	}
	r.used++
	return r.agents[r.idx]
}

// Threshold returns the current K.
func (r *UserAgentRotator) Threshold() int {
	return r.threshold
}

func (r *UserAgentRotator) advance() {
	if len(r.agents) > 1 {
		next := r.rng.IntN(len(r.agents) - 1)
		if next >= r.idx {
			next++
		}
		r.idx = next
	}
	r.used = 0
	r.threshold = r.draw()
}

func (r *UserAgentRotator) draw() int {
	return r.minEvery + r.rng.IntN(r.maxEvery-r.minEvery+1)
}

// RefererWeights are relative weights of the Referer strategies.
type RefererWeights struct {
	Homepage  float64 `mapstructure:"homepage"`
	PriorPage float64 `mapstructure:"prior_page"`
	Search    float64 `mapstructure:"search"`
	None      float64 `mapstructure:"none"`
}

// DefaultRefererWeights favors looking like in-site navigation.
func DefaultRefererWeights() RefererWeights {
	return RefererWeights{Homepage: 0.3, PriorPage: 0.3, Search: 0.2, None: 0.2}
}

func (w RefererWeights) total() float64 {
	return w.Homepage + w.PriorPage + w.Search + w.None
}

var searchReferers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
}

// RefererPicker chooses a Referer per request. Not safe for concurrent use.
type RefererPicker struct {
	weights RefererWeights
	rng     *rand.Rand
}

// NewRefererPicker builds a picker. All-zero weights use the defaults.
func NewRefererPicker(weights RefererWeights, rng *rand.Rand) *RefererPicker {
	if weights.total() <= 0 {
		weights = DefaultRefererWeights()
	}
	return &RefererPicker{weights: weights, rng: rng}
}

// Pick returns a Referer for target or "" for none. prior is the last URL
// fetched on the same host; without one the homepage is used instead.
func (p *RefererPicker) Pick(target, prior string) string {
	roll := p.rng.Float64() * p.weights.total()
	switch {
	case roll < p.weights.Homepage:
		return homepage(target)
	case roll < p.weights.Homepage+p.weights.PriorPage:
		if prior != "" && prior != target {
			return prior
		}
		return homepage(target)
	case roll < p.weights.Homepage+p.weights.PriorPage+p.weights.Search:
		return searchReferers[p.rng.IntN(len(searchReferers))]
	default:
		return ""
	}
}

func homepage(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}
