package eumetsat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// Job states reported by the Data Tailor.
const (
	JobQueued   = "QUEUED"
	JobRunning  = "RUNNING"
	JobInactive = "INACTIVE"
	JobDone     = "DONE"
	JobFailed   = "FAILED"
	JobKilled   = "KILLED"
)

// Polling schedule for customisation jobs.
const (
	PollInitial = 10 * time.Second
	PollMax     = 10 * time.Minute
	PollFuse    = 2 * time.Hour
)

// ROI is a region of interest for tailored products, in degrees.
type ROI struct {
	NSWE [4]float64 `json:"NSWE"`
}

// Chain describes the server-side transformation.
type Chain struct {
	Product    string `json:"product"`
	Format     string `json:"format"`
	Projection string `json:"projection,omitempty"`
	ROI        *ROI   `json:"roi,omitempty"`
}

// ChainFor builds a chain for a product, cropped to bbox when given.
func ChainFor(product domain.Product, format string, bbox *domain.BoundingBox) Chain {
	name := "HRSEVIRI"
	if product.ID == domain.ProductRSS {
		name = "HRSEVIRI_RSS"
	}
	ch := Chain{Product: name, Format: format, Projection: "geographic"}
	if bbox != nil {
		ch.ROI = &ROI{NSWE: [4]float64{bbox.North, bbox.South, bbox.West, bbox.East}}
	}
	return ch
}

type submitRequest struct {
	ProductPaths []string `json:"product_paths"`
	Chain        Chain    `json:"chain"`
}

type submitResponse struct {
	Data []string `json:"data"`
}

type jobStatus struct {
	Status         string   `json:"status"`
	OutputProducts []string `json:"output_products"`
}

type jobListResponse struct {
	Data []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// DownloadTailored submits a customisation job for scan, waits for it and
// downloads every output product into dir.
func (c *Client) DownloadTailored(ctx context.Context, scan domain.Scan, chain Chain, dir string) (domain.NativeFile, error) {
	jobID, err := c.submit(ctx, scan, chain)
	if err != nil {
		return domain.NativeFile{}, fmt.Errorf("submit customisation for %s: %w", scan.ID, err)
	}
	log := c.logger.With("job", jobID, "scan", scan.ID)
	log.Info("customisation submitted")

	outputs, err := c.waitForJob(ctx, jobID)
	if err != nil {
		return domain.NativeFile{}, fmt.Errorf("customisation %s: %w", jobID, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.NativeFile{}, fmt.Errorf("create scratch dir: %w", err)
	}
	native := domain.NativeFile{Scan: scan}
	for _, p := range outputs {
		dst := filepath.Join(dir, path.Base(p))
		n, err := c.downloadOutput(ctx, p, dst)
		if err != nil {
			return domain.NativeFile{}, fmt.Errorf("customisation %s output %s: %w", jobID, p, err)
		}
		native.Paths = append(native.Paths, dst)
		native.Size += n
	}
	if len(native.Paths) > 0 {
		native.Path = native.Paths[0]
	}
	log.Info("customisation downloaded", "outputs", len(outputs), "bytes", native.Size)

	// Finished jobs count against the account quota until deleted.
	if err := c.deleteJob(ctx, jobID); err != nil {
		log.Warn("failed to delete finished customisation", "error", err)
	}
	return native, nil
}

func (c *Client) deleteJob(ctx context.Context, id string) error {
	resp, err := c.http.Do(ctx, c.authorized(http.MethodDelete, c.jobURL(id), nil, ""))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) submit(ctx context.Context, scan domain.Scan, chain Chain) (string, error) {
	body, err := json.Marshal(submitRequest{ProductPaths: []string{c.downloadURL(scan)}, Chain: chain})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(ctx, c.authorized(http.MethodPost, c.baseURL+"/epcs/customisations",
		func() io.Reader { return bytes.NewReader(body) }, "application/json"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("no job id returned")
	}
	return out.Data[0], nil
}

func (c *Client) jobURL(id string) string {
	return c.baseURL + "/epcs/customisations/" + url.PathEscape(id)
}

func (c *Client) status(ctx context.Context, id string) (jobStatus, error) {
	var out map[string]jobStatus
	if err := c.getJSON(ctx, c.jobURL(id), &out); err != nil {
		return jobStatus{}, err
	}
	st, ok := out[id]
	if !ok {
		return jobStatus{}, fmt.Errorf("job %s missing from status response", id)
	}
	return st, nil
}

// waitForJob polls until the job finishes. The interval starts at
// PollInitial and doubles on INACTIVE up to PollMax. A job still unfinished
// after PollFuse is treated as failed.
func (c *Client) waitForJob(ctx context.Context, id string) ([]string, error) {
	deadline := c.clock.Now().Add(PollFuse)
	interval := PollInitial
	for {
		st, err := c.status(ctx, id)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case JobDone:
			c.countJob(JobDone)
			return st.OutputProducts, nil
		case JobFailed, JobKilled:
			c.countJob(st.Status)
			return nil, fmt.Errorf("%w: status %s", domain.ErrTailorFailed, st.Status)
		case JobInactive:
			interval = min(2*interval, PollMax)
		case JobQueued, JobRunning:
		default:
			c.logger.Warn("unknown customisation status", "job", id, "status", st.Status)
		}

		if !c.clock.Now().Add(interval).Before(deadline) {
			c.countJob("TIMEOUT")
			return nil, fmt.Errorf("%w: still %s after %s", domain.ErrTailorFailed, st.Status, PollFuse)
		}
		if err := c.tailorSleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

func (c *Client) countJob(status string) {
	if c.metrics != nil {
		c.metrics.TailorJobs.WithLabelValues(status).Inc()
	}
}

func (c *Client) downloadOutput(ctx context.Context, p, dst string) (int64, error) {
	u := c.baseURL + "/epcs/download?" + url.Values{"path": {p}}.Encode()
	resp, err := c.http.Do(ctx, c.authorized(http.MethodGet, u, nil, ""))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := saveBody(resp.Body, dst)
	if err == nil && c.metrics != nil {
		c.metrics.DownloadBytes.Add(float64(n))
	}
	return n, err
}

// CleanupTailored deletes every finished customisation job to free the
// account quota. It returns the number of jobs deleted.
func (c *Client) CleanupTailored(ctx context.Context) (int, error) {
	var jobs jobListResponse
	if err := c.getJSON(ctx, c.baseURL+"/epcs/customisations", &jobs); err != nil {
		return 0, fmt.Errorf("list customisations: %w", err)
	}
	deleted := 0
	for _, j := range jobs.Data {
		switch j.Status {
		case JobDone, JobFailed, JobKilled, JobInactive:
		default:
			continue
		}
		if err := c.deleteJob(ctx, j.ID); err != nil {
			return deleted, fmt.Errorf("delete customisation %s: %w", j.ID, err)
		}
		deleted++
		c.logger.Info("deleted customisation", "job", j.ID, "status", j.Status)
	}
	return deleted, nil
}

// Tailored downloads every scan through the Data Tailor, building the chain
// from the scan's own product so fallback products get the right name.
type Tailored struct {
	Client *Client
	Format string
	Region *domain.BoundingBox
}

// Download implements pipeline.Downloader.
func (t Tailored) Download(ctx context.Context, scan domain.Scan, dir string) (domain.NativeFile, error) {
	product, err := domain.LookupProduct(scan.ProductID)
	if err != nil {
		return domain.NativeFile{}, err
	}
	return t.Client.DownloadTailored(ctx, scan, ChainFor(product, t.Format, t.Region), dir)
}
