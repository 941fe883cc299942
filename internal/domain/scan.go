package domain

import (
	"fmt"
	"time"
)

// Scan is one acquisition instant by one sensor as listed by a provider.
type Scan struct {
	ID        string
	Provider  Provider
	ProductID string
	Start     time.Time
	End       time.Time
	// Time is the acquisition instant rounded to the product boundary.
	Time time.Time
	// Objects lists per-band object keys for providers that split a scan
	// across files.
	Objects []string
	Size    int64
}

// Key is unique per (provider, product, rounded time).
func (s Scan) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Provider, s.ProductID, s.Time.UTC().Format("200601021504"))
}

// NativeFile is a downloaded, unprocessed scan on local disk. Providers that
// split a scan into several files produce one NativeFile with Paths set.
type NativeFile struct {
	Scan  Scan
	Path  string
	Paths []string
	Size  int64
}

// Files returns every local path belonging to the native scan.
func (n NativeFile) Files() []string {
	if len(n.Paths) > 0 {
		return n.Paths
	}
	if n.Path == "" {
		return nil
	}
	return []string{n.Path}
}
