// Package fetch is the Oura API client used by the extract step.
//
// The v2 API serves each collection as pages of {"data": [...],
// "next_token": "..."}; Client walks the pages for a date range and returns
// the concatenated items. Requests are spaced to a per-minute budget and
// retried with capped exponential backoff on 429 and transient 5xx, honoring
// Retry-After when the server sends one.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ouraetl/internal/metrics"
	"ouraetl/internal/oura"
)

// DefaultBaseURL is the API host; shape endpoints carry the /v2 prefix.
const DefaultBaseURL = "https://api.ouraring.com"

// Logger is the minimal logging surface; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	// BaseURL overrides the Oura API root (tests point it at httptest).
	BaseURL string

	// RatePerMinute caps request frequency. Default 60.
	RatePerMinute int

	// MaxAttempts bounds tries per page, including the first. Default 4.
	MaxAttempts int

	// BaseBackoff and MaxBackoff shape the retry delay:
	// base * 2^(attempt-1), clamped to max, plus jitter. Defaults 1s / 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// JitterMax is the upper bound of random jitter added to each retry
	// delay. Default 350ms.
	JitterMax time.Duration

	HTTPClient *http.Client
	Logger     Logger

	// Unexported test seams.
	sleep func(ctx context.Context, d time.Duration) bool
	rand  *rand.Rand
}

// Client fetches raw collection items from the Oura API.
type Client struct {
	baseURL     string
	token       string
	minInterval time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	jitterMax   time.Duration

	http  *http.Client
	log   Logger
	sleep func(ctx context.Context, d time.Duration) bool
	rand  *rand.Rand

	lastRequest time.Time
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// NewClient builds a client for the given personal access token.
func NewClient(token string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 60
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.JitterMax < 0 {
		opts.JitterMax = 0
	} else if opts.JitterMax == 0 {
		opts.JitterMax = 350 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.sleep == nil {
		opts.sleep = sleepContext
	}
	if opts.rand == nil {
		opts.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       token,
		minInterval: time.Minute / time.Duration(opts.RatePerMinute),
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		jitterMax:   opts.JitterMax,
		http:        opts.HTTPClient,
		log:         opts.Logger,
		sleep:       opts.sleep,
		rand:        opts.rand,
	}
}

// FetchAll walks every page of one collection for [startDate, endDate]
// (YYYY-MM-DD, inclusive) and returns the items in API order. Client is not
// safe for concurrent FetchAll calls; the pipeline fetches types serially.
func (c *Client) FetchAll(ctx context.Context, shape oura.Shape, startDate, endDate string) ([]oura.RawItem, error) {
	var (
		items []oura.RawItem
		token string
		pages int
	)
	for {
		page, err := c.fetchPage(ctx, shape, startDate, endDate, token)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Data...)
		pages++
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	c.log.Printf("fetch type=%s pages=%d items=%d", shape.Type, pages, len(items))
	metrics.IncCounter("ouraetl.fetch.items", float64(len(items)), "type:"+string(shape.Type))
	return items, nil
}

func (c *Client) fetchPage(ctx context.Context, shape oura.Shape, startDate, endDate, nextToken string) (oura.RawPage, error) {
	q := url.Values{}
	if nextToken != "" {
		// The API rejects other parameters alongside next_token.
		q.Set("next_token", nextToken)
	} else if startDate != "" {
		// The heartrate endpoint takes datetimes, the rest take dates.
		if shape.Type == oura.HeartRate {
			q.Set("start_datetime", startDate+"T00:00:00+00:00")
			if endDate != "" {
				q.Set("end_datetime", endDate+"T23:59:59+00:00")
			}
		} else {
			q.Set("start_date", startDate)
			if endDate != "" {
				q.Set("end_date", endDate)
			}
		}
	}

	u := c.baseURL + shape.Endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if !c.waitRate(ctx) {
			return oura.RawPage{}, ctx.Err()
		}

		page, status, retryAfter, err := c.doRequest(ctx, u)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if !retryableStatus(status) || attempt == c.maxAttempts {
			break
		}

		wait := c.retryDelay(attempt, retryAfter)
		c.log.Printf("fetch retry type=%s attempt=%d status=%d wait=%s", shape.Type, attempt, status, wait)
		metrics.IncCounter("ouraetl.fetch.retries", 1, "type:"+string(shape.Type))
		if !c.sleep(ctx, wait) {
			return oura.RawPage{}, ctx.Err()
		}
	}
	return oura.RawPage{}, fmt.Errorf("fetch %s: %w", shape.Type, lastErr)
}

// doRequest performs one GET. status is 0 on transport errors.
func (c *Client) doRequest(ctx context.Context, u string) (oura.RawPage, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return oura.RawPage{}, 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return oura.RawPage{}, 0, 0, err
	}
	defer resp.Body.Close()
	metrics.ObserveDuration("ouraetl.fetch.request", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return oura.RawPage{}, resp.StatusCode, parseRetryAfter(resp.Header),
			fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}

	page, err := oura.DecodePage(resp.Body)
	if err != nil {
		return oura.RawPage{}, resp.StatusCode, 0, fmt.Errorf("GET %s: %w", u, err)
	}
	return page, resp.StatusCode, 0, nil
}

// waitRate spaces requests to the per-minute budget. Returns false if the
// context was canceled while waiting.
func (c *Client) waitRate(ctx context.Context) bool {
	if !c.lastRequest.IsZero() {
		if wait := c.minInterval - time.Since(c.lastRequest); wait > 0 {
			if !c.sleep(ctx, wait) {
				return false
			}
		}
	}
	c.lastRequest = time.Now()
	return true
}

func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := c.baseBackoff << uint(attempt-1)
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	if c.jitterMax > 0 {
		d += time.Duration(c.rand.Int63n(int64(c.jitterMax)))
	}
	return d
}

// retryableStatus reports whether a page fetch should be retried. Transport
// errors (status 0) are retried; auth and client errors are not.
func retryableStatus(status int) bool {
	switch status {
	case 0, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
