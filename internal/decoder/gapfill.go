package decoder

// fillGaps linearly interpolates NaN runs of at most maxGap pixels between
// two valid neighbours, first along x (rows) then along y (columns). Runs
// touching the edge or longer than maxGap are left NaN.
func fillGaps(plane []float32, ny, nx, maxGap int) {
	for y := 0; y < ny; y++ {
		fillLine(plane, y*nx, 1, nx, maxGap)
	}
	for x := 0; x < nx; x++ {
		fillLine(plane, x, nx, ny, maxGap)
	}
}

// fillLine operates on n elements starting at off with the given stride.
func fillLine(plane []float32, off, stride, n, maxGap int) {
	at := func(i int) *float32 { return &plane[off+i*stride] }
	last := -1
	for i := 0; i < n; i++ {
		v := *at(i)
		if v != v {
			continue
		}
		if last >= 0 && i-last > 1 && i-last-1 <= maxGap {
			lo, hi := *at(last), v
			span := float32(i - last)
			for k := last + 1; k < i; k++ {
				*at(k) = lo + (hi-lo)*float32(k-last)/span
			}
		}
		last = i
	}
}
