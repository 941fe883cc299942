package domain

import (
	"context"
	"time"
)

// ProviderClient lists and fetches scans from one data provider.
type ProviderClient interface {
	// List returns every scan of product acquired in [start, end], ordered by time.
	List(ctx context.Context, start, end time.Time, product Product) ([]Scan, error)

	// Download fetches the native bytes of scan into dir.
	Download(ctx context.Context, scan Scan, dir string) (NativeFile, error)
}
