package archive

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// Index answers which scan times are already on disk, as staging artifacts
// (top level or evicted into the dated subtree) or inside yearly stores.
type Index struct {
	root   string
	suffix string
	reg    *chunkstore.Registry

	mu     sync.Mutex
	stores map[string]map[int64]bool
}

// NewIndex creates an index over root for a product suffix.
func NewIndex(root, suffix string) *Index {
	return &Index{root: root, suffix: suffix, reg: NewRegistry(), stores: map[string]map[int64]bool{}}
}

// Root is the directory the index covers.
func (x *Index) Root() string { return x.root }

// ArtifactTimes lists the staging artifacts of variant v acquired on the
// UTC day of day, sorted.
func (x *Index) ArtifactTimes(v domain.Variant, day time.Time) ([]time.Time, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	var out []time.Time
	for _, dir := range []string{x.root, DatedDir(x.root, day)} {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), domain.ArtifactSuffix) {
				continue
			}
			av, t, err := domain.ParseArtifactName(e.Name())
			if err != nil || av != v {
				continue
			}
			if t.Truncate(24*time.Hour).Equal(day) {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return dedupe(out), nil
}

func dedupe(ts []time.Time) []time.Time {
	out := ts[:0]
	for i, t := range ts {
		if i > 0 && t.Equal(ts[i-1]) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Has reports whether a frame of variant v at t exists on disk.
func (x *Index) Has(v domain.Variant, t time.Time) (bool, error) {
	name := domain.ArtifactName(v, t)
	for _, p := range []string{filepath.Join(x.root, name), filepath.Join(DatedDir(x.root, t), name)} {
		if _, err := os.Stat(p); err == nil {
			return true, nil
		}
	}
	times, err := x.storeTimes(filepath.Join(x.root, StoreName(t.UTC().Year(), v, x.suffix)))
	if err != nil {
		return false, err
	}
	return times[t.UTC().UnixNano()], nil
}

func (x *Index) storeTimes(path string) (map[int64]bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if set, ok := x.stores[path]; ok {
		return set, nil
	}
	set := map[int64]bool{}
	if _, err := os.Stat(path); err == nil {
		store, err := chunkstore.NewDirStorage(path)
		if err != nil {
			return nil, err
		}
		g, err := chunkstore.OpenGroup(store, x.reg)
		if err != nil {
			return nil, err
		}
		times, err := readTimes(g)
		if err != nil {
			return nil, err
		}
		for _, t := range times {
			set[t.UnixNano()] = true
		}
	}
	x.stores[path] = set
	return set, nil
}

// Refresh drops cached store contents.
func (x *Index) Refresh() {
	x.mu.Lock()
	x.stores = map[string]map[int64]bool{}
	x.mu.Unlock()
}
