package decoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/geos"
)

// ManifestName is the scene description inside a scene directory.
const ManifestName = "scene.json"

// Band is one calibrated channel on its native grid.
type Band struct {
	Name string
	Area geos.AreaDefinition
	// Data holds Height*Width values, row 0 north.
	Data []float32
}

// Scene is the reader's view of one native file.
type Scene struct {
	Platform string
	Start    time.Time
	End      time.Time
	Bands    map[string]*Band
}

// SceneLoader loads the requested bands of a downloaded scan.
type SceneLoader interface {
	Load(ctx context.Context, native domain.NativeFile, bands []string) (*Scene, error)
}

type manifest struct {
	Platform  string         `json:"platform"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Bands     []manifestBand `json:"bands"`
}

type manifestBand struct {
	Name string              `json:"name"`
	File string              `json:"file"`
	Area geos.AreaDefinition `json:"area"`
}

// DirLoader reads scene directories: a scene.json manifest plus one raw
// little-endian float32 raster per band.
type DirLoader struct{}

// Load reads the scene directory at native.Path, or the directory
// containing it when it is a file.
func (DirLoader) Load(_ context.Context, native domain.NativeFile, bands []string) (*Scene, error) {
	dir := native.Path
	if st, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !st.IsDir() {
		dir = filepath.Dir(dir)
	}
	return LoadDir(dir, bands)
}

// LoadDir reads the given bands from a scene directory.
func LoadDir(dir string, bands []string) (*Scene, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	byName := make(map[string]manifestBand, len(m.Bands))
	for _, b := range m.Bands {
		byName[b.Name] = b
	}

	scene := &Scene{Platform: m.Platform, Start: m.StartTime.UTC(), End: m.EndTime.UTC(), Bands: map[string]*Band{}}
	for _, name := range bands {
		mb, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("band %s not in scene", name)
		}
		data, err := os.ReadFile(filepath.Join(dir, mb.File))
		if err != nil {
			return nil, fmt.Errorf("read band %s: %w", name, err)
		}
		want := mb.Area.Width * mb.Area.Height * 4
		if len(data) != want {
			return nil, fmt.Errorf("%w: band %s has %d bytes, want %d", domain.ErrDirtyScan, name, len(data), want)
		}
		vals, err := chunkstore.BytesToFloat32s(chunkstore.Float32, data)
		if err != nil {
			return nil, fmt.Errorf("decode band %s: %w", name, err)
		}
		scene.Bands[name] = &Band{Name: name, Area: mb.Area, Data: vals}
	}
	return scene, nil
}

// WriteDir writes scene in the layout LoadDir reads.
func WriteDir(dir string, scene *Scene) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	m := manifest{Platform: scene.Platform, StartTime: scene.Start, EndTime: scene.End}
	for _, name := range sortedBands(scene) {
		b := scene.Bands[name]
		if len(b.Data) != b.Area.Width*b.Area.Height {
			return fmt.Errorf("band %s: %w", name, domain.ErrShapeMismatch)
		}
		file := name + ".f32"
		buf, err := chunkstore.Float32sToBytes(chunkstore.Float32, b.Data)
		if err != nil {
			return err
		}
		if err := chunkstore.WriteFileAtomic(filepath.Join(dir, file), buf); err != nil {
			return err
		}
		m.Bands = append(m.Bands, manifestBand{Name: name, File: file, Area: b.Area})
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return chunkstore.WriteFileAtomic(filepath.Join(dir, ManifestName), raw)
}

func sortedBands(s *Scene) []string {
	names := make([]string, 0, len(s.Bands))
	for n := range s.Bands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
