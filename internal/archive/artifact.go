package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// DatedDir is the subtree holding evicted artifacts of the day of t.
func DatedDir(root string, t time.Time) string {
	return filepath.Join(root, t.UTC().Format("2006"), t.UTC().Format("01"), t.UTC().Format("02"))
}

// WriteZipped writes f as a zipped store at path, replacing it atomically.
func WriteZipped(path string, f *domain.Frame, l Layout) error {
	if err := f.Validate(); err != nil {
		return err
	}
	l.TimeChunk = max(len(f.Times), 1)
	mem := chunkstore.NewMemStorage()
	if _, err := initStore(mem, NewRegistry(), f, l); err != nil {
		return fmt.Errorf("build %s: %w", filepath.Base(path), err)
	}
	return chunkstore.WriteZip(path, mem)
}

// WriteArtifact writes a single-timestep frame as a staging artifact in dir
// and returns its path.
func WriteArtifact(dir string, f *domain.Frame, l Layout) (string, error) {
	path := filepath.Join(dir, domain.ArtifactName(f.Variant, f.Time()))
	if err := WriteZipped(path, f, l); err != nil {
		return "", err
	}
	return path, nil
}

// ReadZipped loads a zipped store. The variant is taken from the "hrv_"
// file name prefix.
func ReadZipped(path string) (*domain.Frame, error) {
	mem, err := chunkstore.LoadZip(path)
	if err != nil {
		return nil, err
	}
	g, err := chunkstore.OpenGroup(mem, NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v := domain.VariantNonHRV
	if strings.HasPrefix(filepath.Base(path), "hrv_") {
		v = domain.VariantHRV
	}
	f, err := readFrame(g, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ReadStore loads a whole yearly store into memory.
func ReadStore(path string, v domain.Variant) (*domain.Frame, error) {
	store, err := chunkstore.NewDirStorage(path)
	if err != nil {
		return nil, err
	}
	g, err := chunkstore.OpenGroup(store, NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return readFrame(g, v)
}
