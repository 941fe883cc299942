package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openclimatefix/Satip-sub000/internal/archive"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hm(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func TestMissingRanges(t *testing.T) {
	tests := []struct {
		name     string
		existing []time.Time
		want     []Range
	}{
		{
			name: "empty day",
			want: []Range{{Start: day.Add(-time.Minute), End: hm(23, 58)}},
		},
		{
			name:     "partial day",
			existing: []time.Time{hm(0, 0), hm(0, 5), hm(0, 20), hm(0, 25)},
			want:     []Range{{Start: hm(0, 5), End: hm(0, 20)}, {Start: hm(0, 25), End: hm(23, 58)}},
		},
		{
			name:     "unsorted input",
			existing: []time.Time{hm(0, 25), hm(0, 0), hm(0, 20), hm(0, 5)},
			want:     []Range{{Start: hm(0, 5), End: hm(0, 20)}, {Start: hm(0, 25), End: hm(23, 58)}},
		},
		{
			name:     "late first scan",
			existing: []time.Time{hm(6, 0)},
			want:     []Range{{Start: day.Add(-time.Minute), End: hm(6, 0)}, {Start: hm(6, 0), End: hm(23, 58)}},
		},
		{
			name:     "complete tail",
			existing: []time.Time{hm(0, 0), hm(23, 55)},
			want:     []Range{{Start: hm(0, 0), End: hm(23, 55)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MissingRanges(day, tt.existing)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("MissingRanges mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDays(t *testing.T) {
	got := Days(hm(22, 0), hm(22, 0).Add(27*time.Hour))
	assert.Equal(t, []time.Time{day, day.Add(24 * time.Hour), day.Add(48 * time.Hour)}, got)
	assert.Equal(t, []time.Time{day}, Days(day, day))
}

type fakeIndex struct {
	artifacts map[time.Time][]time.Time
	has       map[domain.Variant]map[time.Time]bool
}

func (f *fakeIndex) ArtifactTimes(_ domain.Variant, d time.Time) ([]time.Time, error) {
	return f.artifacts[d], nil
}

func (f *fakeIndex) Has(v domain.Variant, t time.Time) (bool, error) {
	return f.has[v][t], nil
}

type fakeLister struct {
	times []time.Time
	calls []Range
}

func (f *fakeLister) List(_ context.Context, start, end time.Time, product domain.Product) ([]domain.Scan, error) {
	f.calls = append(f.calls, Range{Start: start, End: end})
	var out []domain.Scan
	for _, t := range f.times {
		if t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, domain.Scan{
			ID: t.Format("20060102150405"), Provider: product.Provider, ProductID: product.ID,
			Start: t, End: t.Add(4 * time.Minute), Time: t,
		})
	}
	return out, nil
}

func everyFive(from, to time.Time) []time.Time {
	var out []time.Time
	for t := from; !t.After(to); t = t.Add(5 * time.Minute) {
		out = append(out, t)
	}
	return out
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReconciler_EmptyWindowListsWholeDay(t *testing.T) {
	lister := &fakeLister{times: everyFive(hm(0, 0), hm(23, 55))}
	r := New(lister, &fakeIndex{}, discard())

	plan, err := r.Missing(context.Background(), day, day, domain.MustProduct(domain.ProductRSS))
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: day.Add(-time.Minute), End: hm(23, 58)}}, lister.calls)
	assert.Equal(t, 288, plan.Listed)
	assert.Len(t, plan.Missing, 288)
}

func TestReconciler_FiltersStoredScans(t *testing.T) {
	existing := []time.Time{hm(0, 0), hm(0, 5), hm(0, 20), hm(0, 25)}
	idx := &fakeIndex{
		artifacts: map[time.Time][]time.Time{day: existing},
		has: map[domain.Variant]map[time.Time]bool{
			domain.VariantNonHRV: {hm(0, 0): true, hm(0, 5): true, hm(0, 20): true, hm(0, 25): true, hm(0, 10): true},
			// 00:10 lacks its HRV half and must be fetched again.
			domain.VariantHRV: {hm(0, 0): true, hm(0, 5): true, hm(0, 20): true, hm(0, 25): true},
		},
	}
	lister := &fakeLister{times: everyFive(hm(0, 0), hm(0, 40))}
	r := New(lister, idx, discard())

	plan, err := r.Missing(context.Background(), hm(0, 0), hm(0, 40), domain.MustProduct(domain.ProductRSS))
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: hm(0, 5), End: hm(0, 20)}, {Start: hm(0, 25), End: hm(0, 40)}}, plan.Ranges)

	var got []time.Time
	for _, s := range plan.Missing {
		got = append(got, s.Time)
	}
	assert.Equal(t, []time.Time{hm(0, 10), hm(0, 15), hm(0, 30), hm(0, 35), hm(0, 40)}, got)
	assert.Equal(t, 9, plan.Listed)
}

func TestReconciler_ListedCountsStoredScans(t *testing.T) {
	stored := everyFive(hm(11, 0), hm(11, 50))
	has := map[time.Time]bool{}
	for _, ts := range stored {
		has[ts] = true
	}
	idx := &fakeIndex{
		artifacts: map[time.Time][]time.Time{day: stored},
		has:       map[domain.Variant]map[time.Time]bool{domain.VariantNonHRV: has, domain.VariantHRV: has},
	}
	lister := &fakeLister{times: everyFive(hm(11, 0), hm(12, 0))}
	r := New(lister, idx, discard())

	plan, err := r.Missing(context.Background(), hm(11, 0), hm(12, 0), domain.MustProduct(domain.ProductRSS))
	require.NoError(t, err)
	assert.Equal(t, 13, plan.Listed)
	require.Len(t, plan.Missing, 2)
	assert.Equal(t, hm(11, 55), plan.Missing[0].Time)
	assert.Equal(t, hm(12, 0), plan.Missing[1].Time)
	assert.Equal(t, []Range{{Start: hm(11, 0), End: hm(12, 0)}}, lister.calls)
}

func TestReconciler_CompleteWindowStillCountsAvailability(t *testing.T) {
	stored := everyFive(hm(11, 0), hm(23, 55))
	has := map[time.Time]bool{}
	for _, ts := range stored {
		has[ts] = true
	}
	idx := &fakeIndex{
		artifacts: map[time.Time][]time.Time{day: stored},
		has:       map[domain.Variant]map[time.Time]bool{domain.VariantNonHRV: has, domain.VariantHRV: has},
	}
	lister := &fakeLister{times: everyFive(hm(11, 0), hm(12, 0))}
	r := New(lister, idx, discard())

	plan, err := r.Missing(context.Background(), hm(11, 0), hm(12, 0), domain.MustProduct(domain.ProductRSS))
	require.NoError(t, err)
	assert.Equal(t, 13, plan.Listed)
	assert.Empty(t, plan.Missing)
}

func TestReconciler_Idempotent(t *testing.T) {
	idx := &fakeIndex{artifacts: map[time.Time][]time.Time{day: {hm(0, 0), hm(1, 0)}}}
	lister := &fakeLister{times: everyFive(hm(0, 0), hm(2, 0))}
	r := New(lister, idx, discard())

	first, err := r.Missing(context.Background(), hm(0, 0), hm(2, 0), domain.MustProduct(domain.ProductRSS))
	require.NoError(t, err)
	second, err := r.Missing(context.Background(), hm(0, 0), hm(2, 0), domain.MustProduct(domain.ProductRSS))
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second run differs (-first +second):\n%s", diff)
	}
}

func TestReconciler_WithArchiveIndex(t *testing.T) {
	root := t.TempDir()
	product := domain.MustProduct(domain.ProductABI)
	for _, ts := range []time.Time{hm(0, 0), hm(0, 10)} {
		f := domain.NewFrame(domain.VariantNonHRV, []time.Time{ts}, []float64{0}, []float64{0}, []string{"C01"})
		f.Data[0] = 0.5
		_, err := archive.WriteArtifact(root, f, archive.Layout{})
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	lister := &fakeLister{times: everyFive(hm(0, 0), hm(0, 30))}
	r := New(lister, archive.NewIndex(root, product.Suffix), discard())

	plan, err := r.Missing(context.Background(), hm(0, 0), hm(0, 30), product)
	require.NoError(t, err)
	var got []time.Time
	for _, s := range plan.Missing {
		got = append(got, s.Time)
	}
	assert.Equal(t, []time.Time{hm(0, 5), hm(0, 15), hm(0, 20), hm(0, 25), hm(0, 30)}, got)
}
