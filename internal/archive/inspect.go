package archive

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
)

// StoreInfo summarises the layout of one yearly store.
type StoreInfo struct {
	Path       string
	Times      []time.Time
	X, Y       []float64
	DataShape  []int
	DataChunks []int
	TimeChunks []int
	Compressor string
	// ConsolidatedStale is set when .zmetadata disagrees with the current
	// array metadata.
	ConsolidatedStale bool
}

// ListStores returns the yearly stores directly under root.
func ListStores(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "[0-9][0-9][0-9][0-9]_*.zarr"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Inspect reads the metadata and coordinates of the store at path.
func Inspect(path string) (StoreInfo, error) {
	info := StoreInfo{Path: path}
	store, err := chunkstore.NewDirStorage(path)
	if err != nil {
		return info, err
	}
	g, err := chunkstore.OpenGroup(store, NewRegistry())
	if err != nil {
		return info, fmt.Errorf("%s: %w", path, err)
	}
	if info.Times, err = readTimes(g); err != nil {
		return info, err
	}
	if info.X, err = readAxis(g, XArray); err != nil {
		return info, err
	}
	if info.Y, err = readAxis(g, YArray); err != nil {
		return info, err
	}
	data, err := g.Array(DataArray)
	if err != nil {
		return info, err
	}
	info.DataShape, info.DataChunks = data.Shape(), data.Chunks()
	info.Compressor = data.Meta().Compressor.ID()
	tarr, err := g.Array(TimeArray)
	if err != nil {
		return info, err
	}
	info.TimeChunks = tarr.Chunks()

	meta, err := chunkstore.ConsolidatedKeys(store)
	if err != nil {
		info.ConsolidatedStale = true
		return info, nil
	}
	for _, name := range []string{DataArray, TimeArray} {
		key := name + "/" + chunkstore.ArrayMetaKey
		var recorded, current chunkstore.ArrayMeta
		raw, err := store.Get(key)
		if err != nil {
			return info, err
		}
		if json.Unmarshal(meta[key], &recorded) != nil || json.Unmarshal(raw, &current) != nil ||
			fmt.Sprint(recorded.Shape, recorded.Chunks) != fmt.Sprint(current.Shape, current.Chunks) {
			info.ConsolidatedStale = true
		}
	}
	return info, nil
}

// Problems lists violated archive invariants: strictly increasing unique
// time, one data chunk per TimestepsPerChunk timesteps per variable, and
// consolidated metadata in sync.
func (s StoreInfo) Problems() []string {
	var out []string
	for i := 1; i < len(s.Times); i++ {
		if !s.Times[i].After(s.Times[i-1]) {
			out = append(out, fmt.Sprintf("time not strictly increasing at %d (%s after %s)",
				i, s.Times[i].Format(time.RFC3339), s.Times[i-1].Format(time.RFC3339)))
		}
	}
	if len(s.DataShape) != 4 || len(s.DataChunks) != 4 {
		return append(out, fmt.Sprintf("data has rank %d", len(s.DataShape)))
	}
	if s.DataShape[0] != len(s.Times) {
		out = append(out, fmt.Sprintf("data has %d timesteps, time has %d", s.DataShape[0], len(s.Times)))
	}
	if s.DataShape[1] != len(s.Y) || s.DataShape[2] != len(s.X) {
		out = append(out, fmt.Sprintf("data spatial shape %v does not match axes %dx%d", s.DataShape[1:3], len(s.Y), len(s.X)))
	}
	if s.DataChunks[0] != TimestepsPerChunk || s.DataChunks[3] != 1 {
		out = append(out, fmt.Sprintf("data chunks %v, want (%d, y, x, 1)", s.DataChunks, TimestepsPerChunk))
	}
	if s.ConsolidatedStale {
		out = append(out, "consolidated metadata is stale")
	}
	return out
}
