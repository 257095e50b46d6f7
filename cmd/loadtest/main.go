package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

var defaultTokens = []string{
	"index", "search", "segment", "token", "posting",
	"offset", "matrix", "commit", "spool", "lookup",
}

type options struct {
	baseURL     string
	concurrency int
	duration    time.Duration
	tokens      []string
}

// sample is the outcome of one lookup request.
type sample struct {
	latency  time.Duration
	status   int
	postings int
	cacheHit bool
	err      error
}

// recorder collects samples from every worker.
type recorder struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recorder) add(s sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.samples)
}

type lookupResponse struct {
	Count    int  `json:"count"`
	CacheHit bool `json:"cache_hit"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the lookup service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	tokenList := flag.String("tokens", "", "comma-separated tokens to look up")
	tokenFile := flag.String("tokens-file", "", "file with one token per line")
	flag.Parse()

	tokens, err := loadTokens(*tokenList, *tokenFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading tokens: %v\n", err)
		os.Exit(1)
	}
	opts := options{baseURL: *baseURL, concurrency: *concurrency, duration: *duration, tokens: tokens}

	fmt.Printf("Looking up %d tokens against %s with %d workers for %s\n\n",
		len(opts.tokens), opts.baseURL, opts.concurrency, opts.duration)

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()
	samples := run(ctx, opts, newClient(opts.concurrency))

	rep := summarize(samples, opts.duration)
	rep.print(os.Stdout)
	if rep.total == 0 {
		os.Exit(1)
	}
}

// loadTokens prefers the file, then the list, then the built-in set.
func loadTokens(list, path string) ([]string, error) {
	if path == "" {
		var tokens []string
		for _, tok := range strings.Split(list, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		if len(tokens) == 0 {
			return defaultTokens, nil
		}
		return tokens, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if tok := strings.TrimSpace(sc.Text()); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%s contains no tokens", path)
	}
	return tokens, nil
}

func newClient(concurrency int) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// run drives lookups from opts.concurrency workers until ctx ends. Each
// worker walks the token list from its own starting point.
func run(ctx context.Context, opts options, client *http.Client) []sample {
	rec := &recorder{}
	var wg sync.WaitGroup
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(next int) {
			defer wg.Done()
			for ctx.Err() == nil {
				token := opts.tokens[next%len(opts.tokens)]
				next++
				s := lookup(ctx, client, opts.baseURL, token)
				if s.err != nil && ctx.Err() != nil {
					// cut off by the deadline, not a failure
					return
				}
				rec.add(s)
			}
		}(w)
	}
	wg.Wait()
	return rec.snapshot()
}

func lookup(ctx context.Context, client *http.Client, baseURL, token string) sample {
	target := baseURL + "/api/v1/postings?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sample{err: err}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return sample{latency: time.Since(start), err: err}
	}
	defer resp.Body.Close()

	s := sample{status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		var body lookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			s.err = fmt.Errorf("decoding response: %w", err)
		}
		s.postings, s.cacheHit = body.Count, body.CacheHit
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	s.latency = time.Since(start)
	return s
}

type report struct {
	duration  time.Duration
	total     int
	ok        int
	failed    int
	cacheHits int
	postings  int
	latencies []time.Duration // sorted, responses only
	statuses  map[int]int
}

func summarize(samples []sample, d time.Duration) report {
	rep := report{duration: d, total: len(samples), statuses: make(map[int]int)}
	for _, s := range samples {
		if s.status != 0 {
			rep.statuses[s.status]++
			rep.latencies = append(rep.latencies, s.latency)
		}
		if s.err != nil || s.status != http.StatusOK {
			rep.failed++
			continue
		}
		rep.ok++
		rep.postings += s.postings
		if s.cacheHit {
			rep.cacheHits++
		}
	}
	slices.Sort(rep.latencies)
	return rep
}

func (r report) print(w io.Writer) {
	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Requests:        %d (%d ok, %d failed)\n", r.total, r.ok, r.failed)
	if r.total == 0 {
		fmt.Fprintln(w, "No requests completed. Is the lookup service running?")
		return
	}
	fmt.Fprintf(w, "Throughput:      %.2f req/s\n", float64(r.total)/r.duration.Seconds())
	fmt.Fprintf(w, "Error rate:      %.2f%%\n", pct(r.failed, r.total))
	if r.ok > 0 {
		fmt.Fprintf(w, "Cache hit rate:  %.2f%%\n", pct(r.cacheHits, r.ok))
		fmt.Fprintf(w, "Mean list size:  %.1f values\n", float64(r.postings)/float64(r.ok))
	}

	if len(r.latencies) > 0 {
		mean, stddev := meanStddev(r.latencies)
		fmt.Fprintln(w, "\n=== Latency ===")
		fmt.Fprintf(w, "min %s  mean %s  stddev %s  max %s\n",
			r.latencies[0], mean, stddev, r.latencies[len(r.latencies)-1])
		for _, p := range []float64{50, 90, 95, 99} {
			fmt.Fprintf(w, "p%-3.0f %s\n", p, percentile(r.latencies, p))
		}
	}

	fmt.Fprintln(w, "\n=== Status codes ===")
	codes := make([]int, 0, len(r.statuses))
	for code := range r.statuses {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "%d: %d\n", code, r.statuses[code])
	}
}

func pct(part, whole int) float64 {
	return float64(part) / float64(whole) * 100
}

func meanStddev(latencies []time.Duration) (time.Duration, time.Duration) {
	var sum float64
	for _, l := range latencies {
		sum += float64(l)
	}
	mean := sum / float64(len(latencies))
	var sq float64
	for _, l := range latencies {
		sq += (float64(l) - mean) * (float64(l) - mean)
	}
	return time.Duration(mean), time.Duration(math.Sqrt(sq / float64(len(latencies))))
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[min(max(rank-1, 0), len(sorted)-1)]
}
