package scheduler

import "github.com/LocalNewsImpact/newscrawler/internal/crawler"

// Order returns the processing order. Multi-domain sets are interleaved
// round-robin by host (hosts in first-seen order, URLs in input order) so the
// same host is not hit back to back while others remain. Single-domain sets
// keep their input order.
func Order(urls []crawler.CandidateURL, singleDomain bool) []crawler.CandidateURL {
	out := make([]crawler.CandidateURL, 0, len(urls))
	if singleDomain || len(urls) < 3 {
		return append(out, urls...)
	}

	var hosts []string
	queues := make(map[string][]crawler.CandidateURL)
	for _, u := range urls {
		if _, ok := queues[u.Host]; !ok {
			hosts = append(hosts, u.Host)
		}
		queues[u.Host] = append(queues[u.Host], u)
	}
	for len(out) < len(urls) {
		for _, h := range hosts {
			q := queues[h]
			if len(q) == 0 {
				continue
			}
			out = append(out, q[0])
			queues[h] = q[1:]
		}
	}
	return out
}
