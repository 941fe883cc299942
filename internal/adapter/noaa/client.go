// Package noaa lists and downloads GOES ABI and Himawari AHI scans from the
// public NOAA object-store buckets.
package noaa

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/openclimatefix/Satip-sub000/internal/adapter/transport"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/retry"
)

// DefaultBuckets maps product ids to their public bucket names.
var DefaultBuckets = map[string]string{
	domain.ProductABI: "noaa-goes16",
	domain.ProductAHI: "noaa-himawari9",
}

// DefaultRegion is where the NOAA open-data buckets live.
const DefaultRegion = "us-east-1"

// Config configures a Client.
type Config struct {
	// Buckets overrides DefaultBuckets per product id.
	Buckets map[string]string
	// Endpoint replaces the AWS endpoint and switches to path-style
	// addressing.
	Endpoint          string
	Region            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Policy            retry.Policy
	Sleep             retry.Sleeper
}

// Client reads the NOAA open-data buckets anonymously.
type Client struct {
	buckets map[string]string
	s3      *s3.Client
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewClient creates a NOAA bucket client.
func NewClient(cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	buckets := make(map[string]string, len(DefaultBuckets))
	for k, v := range DefaultBuckets {
		buckets[k] = v
	}
	for k, v := range cfg.Buckets {
		buckets[k] = v
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	tr := transport.New(transport.Options{
		Name:              "noaa",
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Policy:            cfg.Policy,
		Sleep:             cfg.Sleep,
		Metrics:           metrics,
		Logger:            logger,
	})
	opts := s3.Options{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
		HTTPClient:  tr.Doer(),
		// Retries belong to the transport's policy.
		Retryer: aws.NopRetryer{},
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
		opts.UsePathStyle = true
	}
	return &Client{
		buckets: buckets,
		s3:      s3.New(opts),
		clock:   clockwork.NewRealClock(),
		metrics: metrics,
		logger:  logger,
	}
}

type object struct {
	key  string
	size int64
}

func (c *Client) bucket(product domain.Product) (string, error) {
	b, ok := c.buckets[product.ID]
	if !ok {
		return "", fmt.Errorf("%w: %s has no bucket", domain.ErrUnknownProduct, product.ID)
	}
	return b, nil
}

// hourPrefix is the key prefix holding every object acquired in hour h.
func hourPrefix(product domain.Product, h time.Time) string {
	h = h.UTC()
	switch product.ID {
	case domain.ProductAHI:
		return fmt.Sprintf("%s/%04d/%02d/%02d/%02d", product.ID, h.Year(), h.Month(), h.Day(), h.Hour())
	default:
		return fmt.Sprintf("%s/%04d/%03d/%02d/", product.ID, h.Year(), h.YearDay(), h.Hour())
	}
}

// isScanFile keeps radiance payloads and drops auxiliary objects.
func isScanFile(product domain.Product, key string) bool {
	base := path.Base(key)
	switch product.ID {
	case domain.ProductAHI:
		return strings.Contains(base, "_FLDK_") && (strings.HasSuffix(base, ".DAT.bz2") || strings.HasSuffix(base, ".DAT"))
	default:
		return strings.HasSuffix(base, ".nc")
	}
}

// List returns the scans of product acquired in [start, end], one per rounded
// acquisition time, each carrying the keys of all its band files.
func (c *Client) List(ctx context.Context, start, end time.Time, product domain.Product) ([]domain.Scan, error) {
	bucket, err := c.bucket(product)
	if err != nil {
		return nil, err
	}

	groups := map[time.Time]*domain.Scan{}
	for h := start.UTC().Truncate(time.Hour); !h.After(end); h = h.Add(time.Hour) {
		objs, err := c.listPrefix(ctx, bucket, hourPrefix(product, h))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", product.ID, err)
		}
		for _, o := range objs {
			if !isScanFile(product, o.key) {
				continue
			}
			raw, err := domain.ParseTime(o.key)
			if err != nil {
				c.logger.Warn("skipping unparseable object", "key", o.key, "error", err)
				continue
			}
			ts := domain.RoundTime(raw, product.Rounding())
			if ts.Before(start) || ts.After(end) {
				continue
			}
			s, ok := groups[ts]
			if !ok {
				s = &domain.Scan{
					ID:        fmt.Sprintf("%s_%s", product.ID, ts.Format("200601021504")),
					Provider:  product.Provider,
					ProductID: product.ID,
					Start:     raw,
					End:       raw.Add(product.Cadence),
					Time:      ts,
				}
				groups[ts] = s
			}
			if raw.Before(s.Start) {
				s.Start = raw
			}
			s.Objects = append(s.Objects, o.key)
			s.Size += o.size
		}
	}

	scans := make([]domain.Scan, 0, len(groups))
	for _, s := range groups {
		sort.Strings(s.Objects)
		scans = append(scans, *s)
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].Time.Before(scans[j].Time) })
	c.logger.Info("listed scans", "product", product.ID, "count", len(scans), "start", start, "end", end)
	return scans, nil
}

// listPrefix pages through ListObjectsV2 for prefix.
func (c *Client) listPrefix(ctx context.Context, bucket, prefix string) ([]object, error) {
	var out []object
	pages := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			out = append(out, object{key: aws.ToString(o.Key), size: aws.ToInt64(o.Size)})
		}
		if aws.ToBool(page.IsTruncated) && aws.ToString(page.NextContinuationToken) == "" {
			return nil, fmt.Errorf("%w: truncated listing without continuation token", domain.ErrListingIncomplete)
		}
	}
	return out, nil
}

// Download fetches every object of scan into dir, expanding bzip2 segments.
func (c *Client) Download(ctx context.Context, scan domain.Scan, dir string) (domain.NativeFile, error) {
	product, err := domain.LookupProduct(scan.ProductID)
	if err != nil {
		return domain.NativeFile{}, err
	}
	bucket, err := c.bucket(product)
	if err != nil {
		return domain.NativeFile{}, err
	}
	if len(scan.Objects) == 0 {
		return domain.NativeFile{}, fmt.Errorf("scan %s lists no objects", scan.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.NativeFile{}, fmt.Errorf("create scratch dir: %w", err)
	}

	began := c.clock.Now()
	native := domain.NativeFile{Scan: scan}
	for _, key := range scan.Objects {
		p, n, err := c.fetch(ctx, bucket, key, dir)
		if err != nil {
			return domain.NativeFile{}, fmt.Errorf("download %s: %w", key, err)
		}
		native.Paths = append(native.Paths, p)
		native.Size += n
	}
	native.Path = native.Paths[0]
	if c.metrics != nil {
		c.metrics.DownloadBytes.Add(float64(native.Size))
		c.metrics.DownloadDuration.Observe(c.clock.Since(began).Seconds())
	}
	c.logger.Debug("downloaded scan", "id", scan.ID, "files", len(native.Paths), "bytes", native.Size)
	return native, nil
}

func (c *Client) fetch(ctx context.Context, bucket, key, dir string) (string, int64, error) {
	obj, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", 0, err
	}
	defer obj.Body.Close()

	name := path.Base(key)
	var r io.Reader = obj.Body
	if strings.HasSuffix(name, ".bz2") {
		r = bzip2.NewReader(obj.Body)
		name = strings.TrimSuffix(name, ".bz2")
	}
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", 0, err
	}
	return dst, n, nil
}
