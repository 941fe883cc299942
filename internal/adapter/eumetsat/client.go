// Package eumetsat is a client for the EUMETSAT Data Store (catalogue search
// and product download) and the Data Tailor (server-side customisation).
package eumetsat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/openclimatefix/Satip-sub000/internal/adapter/transport"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/retry"
)

// DefaultBaseURL is the public Data Store API root.
const DefaultBaseURL = "https://api.eumetsat.int"

// DefaultPageSize is the largest page the search API serves.
const DefaultPageSize = 10000

// Config configures a Client.
type Config struct {
	Key               string
	Secret            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	PageSize          int
	Policy            retry.Policy
	// Sleep overrides retry sleeps; nil sleeps for real.
	Sleep retry.Sleeper
}

// Client talks to the Data Store and Data Tailor.
type Client struct {
	baseURL  string
	pageSize int
	tokens   *tokenCache
	http     *transport.Transport
	clock    clockwork.Clock
	// tailorSleep waits between job polls; tests replace it.
	tailorSleep func(ctx context.Context, d time.Duration) error
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewClient creates a Data Store client.
func NewClient(cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	c := &Client{
		baseURL:  base,
		pageSize: pageSize,
		clock:    clockwork.NewRealClock(),
		metrics:  metrics,
		logger:   logger,
	}
	c.http = transport.New(transport.Options{
		Name:              "eumetsat",
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Policy:            cfg.Policy,
		Sleep:             cfg.Sleep,
		Reauth: func(context.Context) error {
			c.tokens.Invalidate()
			return nil
		},
		Metrics: metrics,
		Logger:  logger,
	})
	c.tokens = newTokenCache(cfg.Key, cfg.Secret, base+"/token", c.http.Client(), metrics)
	c.tailorSleep = c.sleepOnClock
	return c
}

func (c *Client) sleepOnClock(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// authorized builds a request carrying the current bearer token.
func (c *Client) authorized(method, rawURL string, body func() io.Reader, contentType string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		tok, err := c.tokens.Get(ctx)
		if err != nil {
			return nil, err
		}
		var r io.Reader
		if body != nil {
			r = body()
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.http.Do(ctx, c.authorized(http.MethodGet, rawURL, nil, ""))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Search API response types.

type searchResponse struct {
	Properties struct {
		TotalResults int `json:"totalResults"`
		ItemsPerPage int `json:"itemsPerPage"`
	} `json:"properties"`
	Features []searchFeature `json:"features"`
}

type searchFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Date               string `json:"date"` // "<start>/<end>"
		ProductInformation struct {
			Size int64 `json:"size"` // kilobytes
		} `json:"productInformation"`
	} `json:"properties"`
}

const searchTimeLayout = "2006-01-02T15:04:05Z"

func (c *Client) searchURL(product string, start, end time.Time) string {
	q := url.Values{
		"format":  {"json"},
		"pi":      {product},
		"dtstart": {start.UTC().Format(searchTimeLayout)},
		"dtend":   {end.UTC().Format(searchTimeLayout)},
		"si":      {"0"},
		"c":       {strconv.Itoa(c.pageSize)},
		"sort":    {"start,time,1"},
	}
	return c.baseURL + "/data/search-products/1.0.0/os?" + q.Encode()
}

// List returns every scan of product in [start, end]. Pages are walked by
// anchoring each request at the end time of the last scan seen, until the
// total reported by the first page has been gathered.
func (c *Client) List(ctx context.Context, start, end time.Time, product domain.Product) ([]domain.Scan, error) {
	seen := map[string]bool{}
	var scans []domain.Scan
	total := -1
	anchor := start

	for {
		var page searchResponse
		if err := c.getJSON(ctx, c.searchURL(product.ID, anchor, end), &page); err != nil {
			return nil, fmt.Errorf("search %s: %w", product.ID, err)
		}
		if total < 0 {
			total = page.Properties.TotalResults
		}

		added := 0
		for _, f := range page.Features {
			if seen[f.ID] {
				continue
			}
			scan, err := c.toScan(f, product)
			if err != nil {
				c.logger.Warn("skipping unparseable listing entry", "id", f.ID, "error", err)
				total--
				continue
			}
			seen[f.ID] = true
			scans = append(scans, scan)
			added++
			if scan.End.After(anchor) {
				anchor = scan.End
			}
		}

		if len(scans) >= total || added == 0 || len(page.Features) < c.pageSize {
			break
		}
	}

	if len(scans) != total {
		return nil, fmt.Errorf("search %s: %w: gathered %d of %d", product.ID, domain.ErrListingIncomplete, len(scans), total)
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].Time.Before(scans[j].Time) })
	c.logger.Info("listed scans", "product", product.ID, "count", len(scans), "start", start, "end", end)
	return scans, nil
}

func (c *Client) toScan(f searchFeature, product domain.Product) (domain.Scan, error) {
	parts := strings.SplitN(f.Properties.Date, "/", 2)
	if len(parts) != 2 {
		return domain.Scan{}, fmt.Errorf("%w: date %q", domain.ErrMalformedName, f.Properties.Date)
	}
	start, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return domain.Scan{}, fmt.Errorf("%w: start %q", domain.ErrMalformedName, parts[0])
	}
	end, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return domain.Scan{}, fmt.Errorf("%w: end %q", domain.ErrMalformedName, parts[1])
	}
	ts, err := domain.Fingerprint(f.ID, product)
	if err != nil {
		ts = domain.RoundTime(end, product.Rounding())
	}
	return domain.Scan{
		ID:        f.ID,
		Provider:  product.Provider,
		ProductID: product.ID,
		Start:     start.UTC(),
		End:       end.UTC(),
		Time:      ts,
		Size:      f.Properties.ProductInformation.Size * 1024,
	}, nil
}

func (c *Client) downloadURL(scan domain.Scan) string {
	return fmt.Sprintf("%s/data/download/1.0.0/collections/%s/products/%s",
		c.baseURL, url.PathEscape(scan.ProductID), url.PathEscape(scan.ID))
}

// Download fetches a scan container and extracts the native file into dir.
func (c *Client) Download(ctx context.Context, scan domain.Scan, dir string) (domain.NativeFile, error) {
	began := c.clock.Now()
	resp, err := c.http.Do(ctx, c.authorized(http.MethodGet, c.downloadURL(scan), nil, ""))
	if err != nil {
		return domain.NativeFile{}, fmt.Errorf("download %s: %w", scan.ID, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.NativeFile{}, fmt.Errorf("create scratch dir: %w", err)
	}
	container := filepath.Join(dir, sanitize(scan.ID)+".download")
	n, err := saveBody(resp.Body, container)
	if err != nil {
		return domain.NativeFile{}, fmt.Errorf("download %s: %w", scan.ID, err)
	}
	if c.metrics != nil {
		c.metrics.DownloadBytes.Add(float64(n))
		c.metrics.DownloadDuration.Observe(c.clock.Since(began).Seconds())
	}

	paths, err := unpack(container, dir, sanitize(scan.ID)+".nat")
	if err != nil {
		return domain.NativeFile{}, fmt.Errorf("unpack %s: %w", scan.ID, err)
	}
	native := domain.NativeFile{Scan: scan, Path: paths[0]}
	if len(paths) > 1 {
		native.Paths = paths
	}
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil {
			native.Size += st.Size()
		}
	}
	c.logger.Debug("downloaded scan", "id", scan.ID, "bytes", n, "files", len(paths))
	return native, nil
}

func saveBody(r io.Reader, name string) (int64, error) {
	f, err := os.Create(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	return n, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}
