// Command genscene writes synthetic scene directories that the directory
// loader can decode, one per scan of a product over a time range.
//
// Usage:
//
//	go run ./cmd/genscene \
//	  -product EO:EUM:DAT:MSG:MSG15-RSS \
//	  -start 2023-06-01T11:00:00Z -count 12 \
//	  -size 96 -out data/native/synthetic
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/decoder"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	productID := flag.String("product", domain.ProductRSS, "product identifier")
	startFlag := flag.String("start", "", "acquisition time of the first scan (RFC 3339)")
	count := flag.Int("count", 1, "number of consecutive scans")
	size := flag.Int("size", 96, "non-HRV grid width in pixels")
	out := flag.String("out", "", "output directory")
	flag.Parse()

	if *startFlag == "" || *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -start, -out")
	}
	product, err := domain.LookupProduct(*productID)
	if err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, *startFlag)
	if err != nil {
		return fmt.Errorf("parse -start: %w", err)
	}
	if *count < 1 || *size < 8 {
		return fmt.Errorf("-count must be positive and -size at least 8")
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}

	for i := range *count {
		t := start.UTC().Add(time.Duration(i) * product.Cadence)
		dir := filepath.Join(*out, t.Format("20060102150405"))
		if err := decoder.WriteDir(dir, decoder.SyntheticScene(product, t, *size)); err != nil {
			return fmt.Errorf("write scene %s: %w", dir, err)
		}
		log.Printf("%s: %d bands", dir, len(product.Channels()))
	}
	return nil
}
