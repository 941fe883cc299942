package eumetsat

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var zipMagic = []byte("PK\x03\x04")

// unpack extracts a zip container into dir and removes it, returning the
// extracted payload files (manifests and checksums are dropped). A container
// that is not a zip is renamed to fallbackName.
func unpack(container, dir, fallbackName string) ([]string, error) {
	head := make([]byte, 4)
	f, err := os.Open(container)
	if err != nil {
		return nil, err
	}
	_, _ = io.ReadFull(f, head)
	f.Close()

	if !bytes.Equal(head, zipMagic) {
		dst := filepath.Join(dir, fallbackName)
		if err := os.Rename(container, dst); err != nil {
			return nil, err
		}
		return []string{dst}, nil
	}
	defer os.Remove(container)

	zr, err := zip.OpenReader(container)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer zr.Close()

	var out []string
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || !isPayload(zf.Name) {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(zf.Name))
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("illegal entry %q", zf.Name)
		}
		if err := extractOne(zf, dst); err != nil {
			return nil, err
		}
		out = append(out, dst)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("container has no payload files")
	}
	return out, nil
}

func isPayload(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xml", ".md5", ".txt", ".jpg", ".png":
		return false
	}
	return true
}

func extractOne(zf *zip.File, dst string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()
	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	return w.Close()
}
