package wayback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultCDXEndpoint is the Wayback Machine CDX search API.
const DefaultCDXEndpoint = "https://web.archive.org/cdx/search/cdx"

// CDXEntry holds one CDX result row.
type CDXEntry struct {
	Timestamp   string
	OriginalURL string
}

// CDXClient fetches capture lists from a CDX server.
type CDXClient struct {
	Endpoint   string // defaults to DefaultCDXEndpoint
	HTTP       *http.Client
	Limiter    *rate.Limiter
	MaxRetries int
	From, To   string // optional timestamp bounds
	Logger     *zap.Logger
	Progress   *Progress
}

// NewCDXClient returns a client allowing ratePerMin requests per minute.
func NewCDXClient(ratePerMin, maxRetries int, logger *zap.Logger) *CDXClient {
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CDXClient{
		Endpoint:   DefaultCDXEndpoint,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
		Limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMin)), 5),
		MaxRetries: maxRetries,
		Logger:     logger,
	}
}

// retryDelay returns how long to wait before the next attempt.
// It honours Retry-After when present, otherwise uses exponential backoff
// capped at 60s: 5s, 10s, 20s, 40s, 60s.
func retryDelay(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, 120*time.Second)
			}
		}
	}
	return min(5*time.Second<<uint(attempt), 60*time.Second)
}

func (c *CDXClient) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func retriable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

// fetchPage fetches one page of CDX results. page < 0 means no pagination.
// 429 and 5xx responses are retried up to MaxRetries times.
func (c *CDXClient) fetchPage(ctx context.Context, target string, page int) ([]CDXEntry, error) {
	params := url.Values{}
	params.Set("output", "json")
	params.Set("fl", "timestamp,original")
	params.Set("collapse", "digest")
	params.Set("filter", "statuscode:200")
	if c.From != "" {
		params.Set("from", c.From)
	}
	if c.To != "" {
		params.Set("to", c.To)
	}
	params.Set("url", target)
	if page >= 0 {
		params.Set("page", strconv.Itoa(page))
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultCDXEndpoint
	}
	apiURL := endpoint + "?" + params.Encode()

	for attempt := 0; ; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("cdx rate limiter: %w", err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return nil, fmt.Errorf("cdx create request: %w", err)
		}
		hc := c.HTTP
		if hc == nil {
			hc = http.DefaultClient
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("cdx GET: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("cdx read body: %w", err)
			}
			return ParseCDX(body)
		}

		status := resp.StatusCode
		if !retriable(status) {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("cdx HTTP %d for %s", status, apiURL)
		}
		if attempt >= c.MaxRetries {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("cdx HTTP %d after %d retries for %s", status, c.MaxRetries, apiURL)
		}
		delay := retryDelay(attempt, resp)
		_ = resp.Body.Close()
		c.log().Debug("cdx retry",
			zap.Int("status", status),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// FetchAll collects every capture for all URL variants. With exact false
// each variant is queried as a /* prefix and paginated.
func (c *CDXClient) FetchAll(ctx context.Context, variants []string, exact bool) ([]CDXEntry, error) {
	seen := make(map[string]bool)
	var all []CDXEntry
	add := func(entries []CDXEntry) {
		for _, e := range entries {
			key := e.Timestamp + "|" + e.OriginalURL
			if !seen[key] {
				seen[key] = true
				all = append(all, e)
			}
		}
	}

	if exact {
		c.Progress.SetMax(len(variants))
	}
	for _, variant := range variants {
		if exact {
			entries, err := c.fetchPage(ctx, variant, -1)
			if err != nil {
				return nil, err
			}
			c.Progress.Inc()
			add(entries)
			continue
		}
		wildcard := strings.TrimRight(variant, "/") + "/*"
		for page := 0; page < 100; page++ {
			entries, err := c.fetchPage(ctx, wildcard, page)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// Stop paginating this variant; the others may still succeed.
				c.log().Warn("cdx page failed", zap.String("url", wildcard), zap.Int("page", page), zap.Error(err))
				break
			}
			c.Progress.Inc()
			if len(entries) == 0 {
				break
			}
			add(entries)
		}
	}
	return all, nil
}

// ParseCDX decodes the JSON array-of-arrays CDX format. The first row is
// the header and names the columns; rows shorter than two columns are
// skipped. An empty body is an empty result.
func ParseCDX(body []byte) ([]CDXEntry, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("cdx json decode: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	tsCol, urlCol := 0, 1
	for i, name := range rows[0] {
		switch name {
		case "timestamp":
			tsCol = i
		case "original":
			urlCol = i
		}
	}
	entries := make([]CDXEntry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) <= tsCol || len(row) <= urlCol {
			continue
		}
		entries = append(entries, CDXEntry{Timestamp: row[tsCol], OriginalURL: row[urlCol]})
	}
	return entries, nil
}

// LoadCDXFile reads a manifest previously written by WriteCDXFile (or
// saved straight from the CDX API) into a new SnapshotIndex.
func LoadCDXFile(path string) (*SnapshotIndex, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read cdx manifest: %w", err)
	}
	entries, err := ParseCDX(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	idx := NewSnapshotIndex()
	for _, e := range entries {
		idx.Register(e.OriginalURL, e.Timestamp)
	}
	return idx, nil
}

// WriteCDXFile stores entries in the CDX JSON format into store at path.
func WriteCDXFile(store Storage, path string, entries []CDXEntry) error {
	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, []string{"timestamp", "original"})
	for _, e := range entries {
		rows = append(rows, []string{e.Timestamp, e.OriginalURL})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode cdx manifest: %w", err)
	}
	return store.PutBytes(path, data)
}
