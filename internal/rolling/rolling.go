// Package rolling maintains the "latest" snapshots of a staging directory and
// moves aged-out per-scan artifacts into the dated subtree.
package rolling

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/archive"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// DefaultHistory is the span covered by the latest snapshots.
const DefaultHistory = time.Hour

// LatestName is the file name of the latest snapshot of a variant.
func LatestName(v domain.Variant) string {
	if v == domain.VariantHRV {
		return "hrv_latest" + domain.ArtifactSuffix
	}
	return "latest" + domain.ArtifactSuffix
}

// Window owns the top level of a staging directory.
type Window struct {
	root    string
	history time.Duration
	layout  archive.Layout
	logger  *slog.Logger
}

// New creates a Window over root.
func New(root string, history time.Duration, layout archive.Layout, logger *slog.Logger) *Window {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Window{root: root, history: history, layout: layout, logger: logger}
}

type artifact struct {
	name string
	t    time.Time
}

// artifacts lists the per-scan artifacts of variant v at the top level,
// oldest first.
func (w *Window) artifacts(v domain.Variant) ([]artifact, error) {
	entries, err := os.ReadDir(w.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), domain.ArtifactSuffix) {
			continue
		}
		av, t, err := domain.ParseArtifactName(e.Name())
		if err != nil || av != v {
			continue
		}
		out = append(out, artifact{name: e.Name(), t: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].t.Before(out[j].t) })
	return out, nil
}

// CollateLatest rewrites latest.zarr.zip and hrv_latest.zarr.zip from the
// artifacts acquired in [end-history, end]. A variant with nothing in the
// window loses its previous snapshot. Artifacts whose axes differ from the
// newest one are left out. It returns the snapshots written.
func (w *Window) CollateLatest(end time.Time) ([]string, error) {
	cutoff := end.Add(-w.history)
	var written []string
	for _, v := range domain.Variants {
		list, err := w.artifacts(v)
		if err != nil {
			return written, err
		}
		var frames []*domain.Frame
		for i := len(list) - 1; i >= 0; i-- {
			a := list[i]
			if a.t.Before(cutoff) || a.t.After(end) {
				continue
			}
			f, err := archive.ReadZipped(filepath.Join(w.root, a.name))
			if err != nil {
				w.logger.Warn("skipping unreadable artifact", "artifact", a.name, "error", err)
				continue
			}
			if len(frames) > 0 && !domain.SameAxes(f, frames[0]) {
				w.logger.Warn("skipping artifact with different axes", "artifact", a.name)
				continue
			}
			frames = append(frames, f)
		}
		path := filepath.Join(w.root, LatestName(v))
		if len(frames) == 0 {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return written, fmt.Errorf("remove stale %s: %w", path, err)
			}
			w.logger.Debug("no recent artifacts to collate", "variant", v, "since", cutoff)
			continue
		}
		latest, err := domain.ConcatTime(frames)
		if err != nil {
			return written, fmt.Errorf("collate %s: %w", v, err)
		}
		if err := archive.WriteZipped(path, latest, w.layout); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		w.logger.Info("collated latest", "variant", v, "timesteps", len(latest.Times),
			"first", latest.Times[0], "last", latest.Times[len(latest.Times)-1])
		written = append(written, path)
	}
	return written, nil
}

// Evict moves top-level artifacts acquired before cutoff into YYYY/MM/DD/
// below the root, keeping their names. It returns the number moved.
func (w *Window) Evict(cutoff time.Time) (int, error) {
	moved := 0
	for _, v := range domain.Variants {
		list, err := w.artifacts(v)
		if err != nil {
			return moved, err
		}
		for _, a := range list {
			if !a.t.Before(cutoff) {
				break
			}
			dir := archive.DatedDir(w.root, a.t)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return moved, err
			}
			if err := os.Rename(filepath.Join(w.root, a.name), filepath.Join(dir, a.name)); err != nil {
				return moved, fmt.Errorf("evict %s: %w", a.name, err)
			}
			moved++
		}
	}
	if moved > 0 {
		w.logger.Info("evicted artifacts", "count", moved, "cutoff", cutoff)
	}
	return moved, nil
}
