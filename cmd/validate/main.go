// Command validate checks the yearly archives under a directory: strictly
// increasing time, stable coordinates, the expected chunking and up-to-date
// consolidated metadata.
//
// Usage:
//
//	go run ./cmd/validate -dir data
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/openclimatefix/Satip-sub000/internal/archive"
)

func main() {
	dir := flag.String("dir", "", "directory holding <YYYY>_<variant>.zarr stores")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(*dir))
}

func run(dir string) int {
	paths, err := archive.ListStores(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list stores: %v\n", err)
		return 1
	}
	if len(paths) == 0 {
		fmt.Printf("no stores under %s\n", dir)
		return 0
	}

	failed := 0
	for _, path := range paths {
		info, err := archive.Inspect(path)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		problems := info.Problems()
		if len(problems) == 0 {
			span := ""
			if n := len(info.Times); n > 0 {
				span = fmt.Sprintf(" %s .. %s", info.Times[0].Format("2006-01-02T15:04"), info.Times[n-1].Format("2006-01-02T15:04"))
			}
			fmt.Printf("PASS %s: %d timesteps, %dx%d%s\n", path, len(info.Times), len(info.Y), len(info.X), span)
			continue
		}
		failed++
		fmt.Printf("FAIL %s\n", path)
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
	}

	fmt.Printf("\n%d/%d stores passed\n", len(paths)-failed, len(paths))
	if failed > 0 {
		return 1
	}
	return 0
}
