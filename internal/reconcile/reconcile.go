// Package reconcile decides which scans of a time window still need to be
// fetched, given what is already on disk.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// MaxGap is the largest spacing between stored scans that is not a hole.
const MaxGap = 5 * time.Minute

// Scans starting just before midnight belong to the next day, so a day's
// range opens one minute early and closes two minutes before its end.
const (
	dayLead = time.Minute
	dayTail = 24*time.Hour - 2*time.Minute
)

// Range is a closed interval of acquisition times.
type Range struct {
	Start, End time.Time
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Days returns the UTC midnights of every calendar day touched by [start, end].
func Days(start, end time.Time) []time.Time {
	first := start.UTC().Truncate(24 * time.Hour)
	last := end.UTC().Truncate(24 * time.Hour)
	var out []time.Time
	for d := first; !d.After(last); d = d.Add(24 * time.Hour) {
		out = append(out, d)
	}
	return out
}

// MissingRanges returns the holes in one day given the acquisition times
// already stored for it. An empty day is one range covering the whole day.
func MissingRanges(day time.Time, existing []time.Time) []Range {
	day = day.UTC().Truncate(24 * time.Hour)
	open, end := day.Add(-dayLead), day.Add(dayTail)
	if len(existing) == 0 {
		return []Range{{Start: open, End: end}}
	}
	ts := append([]time.Time(nil), existing...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	var out []Range
	if ts[0].Sub(open) > MaxGap {
		out = append(out, Range{Start: open, End: ts[0]})
	}
	for i := 1; i < len(ts); i++ {
		if ts[i].Sub(ts[i-1]) > MaxGap {
			out = append(out, Range{Start: ts[i-1], End: ts[i]})
		}
	}
	if last := ts[len(ts)-1]; end.Sub(last) > MaxGap {
		out = append(out, Range{Start: last, End: end})
	}
	return out
}

// Index reports what is already stored.
type Index interface {
	ArtifactTimes(v domain.Variant, day time.Time) ([]time.Time, error)
	Has(v domain.Variant, t time.Time) (bool, error)
}

type refresher interface{ Refresh() }

// Lister is the listing half of a provider client.
type Lister interface {
	List(ctx context.Context, start, end time.Time, product domain.Product) ([]domain.Scan, error)
}

// Plan is the outcome of reconciling one window.
type Plan struct {
	Product domain.Product
	Ranges  []Range
	// Listed counts the distinct scans the provider offered in the window.
	Listed  int
	Missing []domain.Scan
}

// Reconciler computes the scans still missing from the archive.
type Reconciler struct {
	lister Lister
	index  Index
	logger *slog.Logger
}

// New creates a Reconciler.
func New(lister Lister, index Index, logger *slog.Logger) *Reconciler {
	return &Reconciler{lister: lister, index: index, logger: logger}
}

// Ranges returns the missing ranges of every day touched by [start, end].
func (r *Reconciler) Ranges(start, end time.Time) ([]Range, error) {
	var out []Range
	for _, day := range Days(start, end) {
		existing, err := r.index.ArtifactTimes(domain.VariantNonHRV, day)
		if err != nil {
			return nil, fmt.Errorf("list artifacts for %s: %w", day.Format(time.DateOnly), err)
		}
		out = append(out, MissingRanges(day, existing)...)
	}
	return out, nil
}

// Missing lists product over [start, end] and returns the scans for which at
// least one variant is not stored yet, in time order. Plan.Listed counts every
// scan the provider offers in the window, stored or not, so it measures
// availability rather than the size of the holes.
func (r *Reconciler) Missing(ctx context.Context, start, end time.Time, product domain.Product) (Plan, error) {
	plan := Plan{Product: product}
	if rf, ok := r.index.(refresher); ok {
		rf.Refresh()
	}
	ranges, err := r.Ranges(start, end)
	if err != nil {
		return plan, err
	}
	for _, rg := range ranges {
		lo, hi := clip(rg, start, end)
		if hi.Before(lo) {
			continue
		}
		plan.Ranges = append(plan.Ranges, Range{Start: lo, End: hi})
	}

	lo, hi := start, end
	if start.Equal(end) {
		if len(plan.Ranges) == 0 {
			return plan, nil
		}
		lo, hi = plan.Ranges[0].Start, plan.Ranges[len(plan.Ranges)-1].End
	}
	scans, err := r.lister.List(ctx, lo, hi, product)
	if err != nil {
		return plan, fmt.Errorf("list %s %s: %w", product.ID, Range{lo, hi}, err)
	}

	seen := map[string]bool{}
	for _, s := range scans {
		if seen[s.Key()] {
			continue
		}
		seen[s.Key()] = true
		plan.Listed++
		stored, err := r.stored(s, product)
		if err != nil {
			return plan, err
		}
		if !stored {
			plan.Missing = append(plan.Missing, s)
		}
	}
	sort.SliceStable(plan.Missing, func(i, j int) bool { return plan.Missing[i].Time.Before(plan.Missing[j].Time) })

	r.logger.Info("reconciled window",
		"product", product.ID,
		"start", start,
		"end", end,
		"ranges", len(plan.Ranges),
		"listed", plan.Listed,
		"missing", len(plan.Missing),
	)
	return plan, nil
}

func (r *Reconciler) stored(s domain.Scan, product domain.Product) (bool, error) {
	for _, v := range product.Variants() {
		ok, err := r.index.Has(v, s.Time)
		if err != nil {
			return false, fmt.Errorf("check %s at %s: %w", v, s.Time.Format(time.RFC3339), err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// clip intersects rg with the window; a window with start == end widens to
// the whole range.
func clip(rg Range, start, end time.Time) (time.Time, time.Time) {
	if start.Equal(end) {
		return rg.Start, rg.End
	}
	lo, hi := rg.Start, rg.End
	if start.After(lo) {
		lo = start
	}
	if end.Before(hi) {
		hi = end
	}
	return lo, hi
}
