package rolling

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/archive"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)

func writeArtifact(t *testing.T, dir string, v domain.Variant, ts time.Time) {
	t.Helper()
	f := domain.NewFrame(v, []time.Time{ts}, []float64{100, 0}, []float64{-100, 0, 100}, []string{"IR_108"})
	for i := range f.Data {
		f.Data[i] = float32(i) / 8
	}
	_, err := archive.WriteArtifact(dir, f, archive.Layout{})
	require.NoError(t, err)
}

func newWindow(t *testing.T, root string) *Window {
	t.Helper()
	return New(root, time.Hour, archive.Layout{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCollateLatest(t *testing.T) {
	root := t.TempDir()
	for _, ago := range []time.Duration{90 * time.Minute, 55 * time.Minute, 30 * time.Minute, 5 * time.Minute} {
		writeArtifact(t, root, domain.VariantNonHRV, now.Add(-ago))
	}
	writeArtifact(t, root, domain.VariantHRV, now.Add(-10*time.Minute))

	written, err := newWindow(t, root).CollateLatest(now)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "latest.zarr.zip"),
		filepath.Join(root, "hrv_latest.zarr.zip"),
	}, written)

	latest, err := archive.ReadZipped(filepath.Join(root, "latest.zarr.zip"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{now.Add(-55 * time.Minute), now.Add(-30 * time.Minute), now.Add(-5 * time.Minute)}, latest.Times)
	assert.Equal(t, domain.VariantNonHRV, latest.Variant)

	hrv, err := archive.ReadZipped(filepath.Join(root, "hrv_latest.zarr.zip"))
	require.NoError(t, err)
	assert.Equal(t, domain.VariantHRV, hrv.Variant)
	assert.Len(t, hrv.Times, 1)
}

func TestCollateLatest_NothingRecent(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, domain.VariantNonHRV, now.Add(-3*time.Hour))

	written, err := newWindow(t, root).CollateLatest(now)
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.NoFileExists(t, filepath.Join(root, "latest.zarr.zip"))
}

func TestCollateLatest_StaleSnapshotRemoved(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, domain.VariantNonHRV, now.Add(-3*time.Hour))
	w := newWindow(t, root)

	written, err := w.CollateLatest(now.Add(-150 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "latest.zarr.zip")}, written)

	_, err = w.CollateLatest(now)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(root, "latest.zarr.zip"))
}

func TestCollateLatest_MeasuresFromRunEnd(t *testing.T) {
	root := t.TempDir()
	past := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, ago := range []time.Duration{70 * time.Minute, 20 * time.Minute, 0} {
		writeArtifact(t, root, domain.VariantNonHRV, past.Add(-ago))
	}
	writeArtifact(t, root, domain.VariantNonHRV, past.Add(5*time.Minute))

	_, err := newWindow(t, root).CollateLatest(past)
	require.NoError(t, err)

	latest, err := archive.ReadZipped(filepath.Join(root, "latest.zarr.zip"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{past.Add(-20 * time.Minute), past}, latest.Times)
}

func TestCollateLatest_SkipsArtifactsOnOtherGrid(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, domain.VariantNonHRV, now.Add(-10*time.Minute))
	f := domain.NewFrame(domain.VariantNonHRV, []time.Time{now.Add(-20 * time.Minute)},
		[]float64{100, 0}, []float64{-50_100, -50_000, -49_900}, []string{"IR_108"})
	for i := range f.Data {
		f.Data[i] = 0.25
	}
	_, err := archive.WriteArtifact(root, f, archive.Layout{})
	require.NoError(t, err)

	_, err = newWindow(t, root).CollateLatest(now)
	require.NoError(t, err)
	latest, err := archive.ReadZipped(filepath.Join(root, "latest.zarr.zip"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{now.Add(-10 * time.Minute)}, latest.Times)
}

func TestEvict(t *testing.T) {
	root := t.TempDir()
	old := time.Date(2022, 3, 13, 23, 55, 0, 0, time.UTC)
	writeArtifact(t, root, domain.VariantNonHRV, old)
	writeArtifact(t, root, domain.VariantHRV, old)
	writeArtifact(t, root, domain.VariantNonHRV, now.Add(-time.Hour))
	writeArtifact(t, root, domain.VariantNonHRV, now.Add(-10*time.Minute))

	w := newWindow(t, root)
	_, err := w.CollateLatest(now)
	require.NoError(t, err)

	moved, err := w.Evict(now.Add(-time.Hour - 30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	dated := filepath.Join(root, "2022", "03", "13")
	assert.FileExists(t, filepath.Join(dated, "202203132355.zarr.zip"))
	assert.FileExists(t, filepath.Join(dated, "hrv_202203132355.zarr.zip"))
	assert.NoFileExists(t, filepath.Join(root, "202203132355.zarr.zip"))
	assert.FileExists(t, filepath.Join(root, "202203141100.zarr.zip"))
	assert.FileExists(t, filepath.Join(root, "latest.zarr.zip"), "snapshots are never evicted")

	moved, err = w.Evict(now)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"2022", "latest.zarr.zip"}, names)
}
