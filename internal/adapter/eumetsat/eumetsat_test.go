package eumetsat

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2023, 9, 10, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Data Store.
type fakeStore struct {
	mux         *http.ServeMux
	tokenCalls  atomic.Int32
	total       int
	scans       int
	acceptToken func(n int32) bool

	mu       sync.Mutex
	statuses []string
	polls    int
	deleted  []string
}

func scanName(i int) string {
	t := base.Add(time.Duration(i) * 5 * time.Minute).Add(12 * time.Second)
	return fmt.Sprintf("MSG3-SEVI-MSG15-0100-NA-%s.383000000Z-NA", t.Format("20060102150405"))
}

func newFakeStore(t *testing.T, scans int) *fakeStore {
	t.Helper()
	fs := &fakeStore{mux: http.NewServeMux(), total: scans, scans: scans}
	fs.mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		n := fs.tokenCalls.Add(1)
		if user, _, ok := r.BasicAuth(); !ok || user != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok%d","token_type":"bearer","expires_in":3600}`, n)
	})
	fs.mux.HandleFunc("GET /data/search-products/1.0.0/os", func(w http.ResponseWriter, r *http.Request) {
		if !fs.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		from, err := time.Parse(searchTimeLayout, r.URL.Query().Get("dtstart"))
		require.NoError(t, err)
		var resp searchResponse
		resp.Properties.TotalResults = fs.total
		for i := 0; i < fs.scans && len(resp.Features) < 2; i++ {
			start := base.Add(time.Duration(i) * 5 * time.Minute)
			end := start.Add(4 * time.Minute)
			if end.Before(from) {
				continue
			}
			var f searchFeature
			f.ID = scanName(i)
			f.Properties.Date = start.Format(time.RFC3339) + "/" + end.Format(time.RFC3339)
			f.Properties.ProductInformation.Size = 100
			resp.Features = append(resp.Features, f)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	fs.mux.HandleFunc("GET /data/download/1.0.0/collections/{pid}/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !fs.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for name, body := range map[string]string{
			r.PathValue("id") + ".nat": "native",
			"manifest.xml":             "<xml/>",
		} {
			fw, err := zw.Create(name)
			require.NoError(t, err)
			_, _ = fw.Write([]byte(body))
		}
		require.NoError(t, zw.Close())
		_, _ = w.Write(buf.Bytes())
	})
	fs.mux.HandleFunc("POST /epcs/customisations", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.ProductPaths, 1)
		_, _ = w.Write([]byte(`{"data":["job1"]}`))
	})
	fs.mux.HandleFunc("GET /epcs/customisations/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		st := fs.statuses[min(fs.polls, len(fs.statuses)-1)]
		fs.polls++
		fs.mu.Unlock()
		out := map[string]jobStatus{r.PathValue("id"): {Status: st}}
		if st == JobDone {
			out[r.PathValue("id")] = jobStatus{Status: st, OutputProducts: []string{"job1/out_a.nc", "job1/out_b.nc"}}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	fs.mux.HandleFunc("GET /epcs/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tailored:" + r.URL.Query().Get("path")))
	})
	fs.mux.HandleFunc("GET /epcs/customisations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"a","status":"DONE"},{"id":"b","status":"RUNNING"},{"id":"c","status":"FAILED"}]}`))
	})
	fs.mux.HandleFunc("DELETE /epcs/customisations/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.deleted = append(fs.deleted, r.PathValue("id"))
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return fs
}

func (fs *fakeStore) authorized(r *http.Request) bool {
	if fs.acceptToken == nil {
		return r.Header.Get("Authorization") != ""
	}
	var n int32
	_, err := fmt.Sscanf(r.Header.Get("Authorization"), "Bearer tok%d", &n)
	return err == nil && fs.acceptToken(n)
}

func newTestClient(t *testing.T, fs *fakeStore) *Client {
	t.Helper()
	srv := httptest.NewServer(fs.mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Key:      "key",
		Secret:   "secret",
		BaseURL:  srv.URL,
		Timeout:  5 * time.Second,
		PageSize: 2,
		Policy:   retry.DefaultPolicy(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}, observability.NewMetricsForTesting(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestList_PaginatesAndDeduplicates(t *testing.T) {
	fs := newFakeStore(t, 5)
	c := newTestClient(t, fs)

	rss := domain.MustProduct(domain.ProductRSS)
	scans, err := c.List(context.Background(), base, base.Add(time.Hour), rss)
	require.NoError(t, err)
	require.Len(t, scans, 5)
	for i, s := range scans {
		assert.Equal(t, scanName(i), s.ID)
		assert.Equal(t, base.Add(time.Duration(i)*5*time.Minute), s.Time)
		assert.Equal(t, int64(100*1024), s.Size)
		assert.Equal(t, domain.ProductRSS, s.ProductID)
	}
	assert.Equal(t, int32(1), fs.tokenCalls.Load(), "token is cached across pages")
}

func TestList_IncompleteListing(t *testing.T) {
	fs := newFakeStore(t, 5)
	fs.total = 6
	c := newTestClient(t, fs)

	_, err := c.List(context.Background(), base, base.Add(time.Hour), domain.MustProduct(domain.ProductRSS))
	require.ErrorIs(t, err, domain.ErrListingIncomplete)
	assert.True(t, domain.IsFatal(err))
}

func TestList_BadCredentials(t *testing.T) {
	fs := newFakeStore(t, 5)
	srv := httptest.NewServer(fs.mux)
	defer srv.Close()
	c := NewClient(Config{
		Key:     "wrong",
		BaseURL: srv.URL,
		Policy:  retry.DefaultPolicy(),
		Sleep:   func(context.Context, time.Duration) error { return nil },
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.List(context.Background(), base, base.Add(time.Hour), domain.MustProduct(domain.ProductRSS))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDownload_ExtractsPayload(t *testing.T) {
	fs := newFakeStore(t, 1)
	c := newTestClient(t, fs)
	dir := t.TempDir()

	scan := domain.Scan{ID: scanName(0), ProductID: domain.ProductRSS, Time: base}
	native, err := c.Download(context.Background(), scan, dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, scanName(0)+".nat"), native.Path)
	body, err := os.ReadFile(native.Path)
	require.NoError(t, err)
	assert.Equal(t, "native", string(body))
	assert.NoFileExists(t, filepath.Join(dir, "manifest.xml"))
	assert.NoFileExists(t, filepath.Join(dir, scanName(0)+".download"))
}

func TestDownload_ReauthenticatesOnExpiredToken(t *testing.T) {
	fs := newFakeStore(t, 1)
	fs.acceptToken = func(n int32) bool { return n >= 2 }
	c := newTestClient(t, fs)

	scan := domain.Scan{ID: scanName(0), ProductID: domain.ProductRSS, Time: base}
	_, err := c.Download(context.Background(), scan, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fs.tokenCalls.Load())
}

func tailorClient(t *testing.T, fs *fakeStore) (*Client, *[]time.Duration) {
	c := newTestClient(t, fs)
	clock := clockwork.NewFakeClockAt(base)
	c.clock = clock
	var sleeps []time.Duration
	c.tailorSleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		clock.Advance(d)
		return nil
	}
	return c, &sleeps
}

func TestDownloadTailored_PollsUntilDone(t *testing.T) {
	fs := newFakeStore(t, 1)
	fs.statuses = []string{JobQueued, JobInactive, JobRunning, JobDone}
	c, sleeps := tailorClient(t, fs)
	dir := t.TempDir()

	scan := domain.Scan{ID: scanName(0), ProductID: domain.ProductRSS, Time: base}
	chain := ChainFor(domain.MustProduct(domain.ProductRSS), "netcdf4", nil)
	native, err := c.DownloadTailored(context.Background(), scan, chain, dir)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 20 * time.Second}, *sleeps)
	require.Len(t, native.Paths, 2)
	body, err := os.ReadFile(filepath.Join(dir, "out_b.nc"))
	require.NoError(t, err)
	assert.Equal(t, "tailored:job1/out_b.nc", string(body))
	assert.Equal(t, []string{"job1"}, fs.deleted, "finished job is removed from the account")
}

func TestDownloadTailored_FailedJob(t *testing.T) {
	fs := newFakeStore(t, 1)
	fs.statuses = []string{JobRunning, JobFailed}
	c, _ := tailorClient(t, fs)

	scan := domain.Scan{ID: scanName(0), ProductID: domain.ProductRSS, Time: base}
	_, err := c.DownloadTailored(context.Background(), scan, Chain{Product: "HRSEVIRI", Format: "netcdf4"}, t.TempDir())
	require.ErrorIs(t, err, domain.ErrTailorFailed)
	assert.Empty(t, fs.deleted)
}

func TestDownloadTailored_FuseExpires(t *testing.T) {
	fs := newFakeStore(t, 1)
	fs.statuses = []string{JobInactive}
	c, sleeps := tailorClient(t, fs)

	scan := domain.Scan{ID: scanName(0), ProductID: domain.ProductRSS, Time: base}
	_, err := c.DownloadTailored(context.Background(), scan, Chain{Product: "HRSEVIRI", Format: "netcdf4"}, t.TempDir())
	require.ErrorIs(t, err, domain.ErrTailorFailed)

	var total time.Duration
	for _, d := range *sleeps {
		assert.LessOrEqual(t, d, PollMax)
		total += d
	}
	assert.Less(t, total, PollFuse)
	assert.Equal(t, PollMax, (*sleeps)[len(*sleeps)-1])
}

func TestCleanupTailored_DeletesFinishedJobs(t *testing.T) {
	fs := newFakeStore(t, 1)
	c := newTestClient(t, fs)

	n, err := c.CleanupTailored(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "c"}, fs.deleted)
}

func TestChainFor_RegionOfInterest(t *testing.T) {
	uk, err := domain.LookupRegion("uk")
	require.NoError(t, err)
	ch := ChainFor(domain.MustProduct(domain.ProductFullDisk), "netcdf4", &uk)
	assert.Equal(t, "HRSEVIRI", ch.Product)
	require.NotNil(t, ch.ROI)
	assert.Equal(t, [4]float64{uk.North, uk.South, uk.West, uk.East}, ch.ROI.NSWE)
}

func TestTailored_BuildsChainPerProduct(t *testing.T) {
	fs := newFakeStore(t, 1)
	fs.statuses = []string{JobDone}
	c, _ := tailorClient(t, fs)

	d := Tailored{Client: c, Format: "netcdf4"}
	scan := domain.Scan{ID: scanName(0), ProductID: domain.ProductRSS, Time: base}
	native, err := d.Download(context.Background(), scan, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, native.Paths, 2)

	_, err = d.Download(context.Background(), domain.Scan{ID: "x", ProductID: "nope"}, t.TempDir())
	require.ErrorIs(t, err, domain.ErrUnknownProduct)
}
