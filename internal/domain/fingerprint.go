package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Grammar identifies a filename convention that encodes an acquisition time.
type Grammar int

const (
	GrammarEUMETSAT Grammar = iota + 1
	GrammarGOES
	GrammarHimawari
	GrammarArtifact
)

var (
	// eumetsatRe matches "-<YYYYMMDDhhmmss>.<frac>Z" in Data Store product ids.
	eumetsatRe = regexp.MustCompile(`-(\d{14})\.\d+Z(?:-|$)`)

	// goesRe matches "_s<YYYYDDDhhmmss><tenths>_" in ABI object names.
	goesRe = regexp.MustCompile(`_s(\d{4})(\d{3})(\d{6})\d?_`)

	// himawariRe matches "HS_H<nn>_<YYYYMMDD>_<hhmm>_" in AHI segment names.
	himawariRe = regexp.MustCompile(`HS_H\d{2}_(\d{8})_(\d{4})_`)

	// artifactRe matches staging artifacts "[hrv_]<YYYYMMDDhhmm>.<ext>".
	artifactRe = regexp.MustCompile(`^(hrv_)?(\d{12})\.`)
)

// ParseTime extracts the acquisition time encoded in a provider filename or
// scan id, trying every known grammar. The seconds field is discarded.
func ParseTime(name string) (time.Time, error) {
	t, _, err := parse(name)
	return t, err
}

// ParseTimeGrammar is ParseTime and also reports which grammar matched.
func ParseTimeGrammar(name string) (time.Time, Grammar, error) {
	return parse(name)
}

func parse(name string) (time.Time, Grammar, error) {
	base := filepath.Base(name)

	if m := eumetsatRe.FindStringSubmatch(base); m != nil {
		t, err := time.Parse("200601021504", m[1][:12])
		if err == nil {
			return t.UTC(), GrammarEUMETSAT, nil
		}
	}
	if m := goesRe.FindStringSubmatch(base); m != nil {
		year, _ := strconv.Atoi(m[1])
		doy, _ := strconv.Atoi(m[2])
		clockPart, err := time.Parse("1504", m[3][:4])
		if err == nil && doy >= 1 && doy <= 366 {
			t := time.Date(year, 1, 1, clockPart.Hour(), clockPart.Minute(), 0, 0, time.UTC).AddDate(0, 0, doy-1)
			if t.Year() == year {
				return t, GrammarGOES, nil
			}
		}
	}
	if m := himawariRe.FindStringSubmatch(base); m != nil {
		t, err := time.Parse("200601021504", m[1]+m[2])
		if err == nil {
			return t.UTC(), GrammarHimawari, nil
		}
	}
	if m := artifactRe.FindStringSubmatch(base); m != nil {
		t, err := time.Parse("200601021504", m[2])
		if err == nil {
			return t.UTC(), GrammarArtifact, nil
		}
	}
	return time.Time{}, 0, fmt.Errorf("%w: %q", ErrMalformedName, name)
}

// RoundTime rounds t to the nearest multiple of step, half-up, after
// discarding seconds.
func RoundTime(t time.Time, step time.Duration) time.Time {
	t = t.UTC().Truncate(time.Minute)
	if step <= 0 {
		return t
	}
	floor := t.Truncate(step)
	if 2*t.Sub(floor) >= step {
		return floor.Add(step)
	}
	return floor
}

// Fingerprint parses name and rounds it to the product's boundary.
func Fingerprint(name string, product Product) (time.Time, error) {
	t, err := ParseTime(name)
	if err != nil {
		return time.Time{}, err
	}
	return RoundTime(t, product.Rounding()), nil
}

// FormatName renders t in the given grammar. The result parses back to t
// truncated to the minute.
func FormatName(g Grammar, t time.Time) string {
	t = t.UTC()
	switch g {
	case GrammarEUMETSAT:
		return fmt.Sprintf("MSG3-SEVI-MSG15-0100-NA-%s.000000000Z-NA", t.Format("20060102150405"))
	case GrammarGOES:
		return fmt.Sprintf("OR_ABI-L1b-RadF-M6C01_G16_s%04d%03d%s0_e%04d%03d%s0_c0.nc",
			t.Year(), t.YearDay(), t.Format("150405"), t.Year(), t.YearDay(), t.Format("150405"))
	case GrammarHimawari:
		return fmt.Sprintf("HS_H08_%s_B01_FLDK_R10_S0110.DAT.bz2", t.Format("20060102_1504"))
	case GrammarArtifact:
		return ArtifactName(VariantNonHRV, t)
	default:
		return ""
	}
}

// ArtifactSuffix is the extension of per-scan staging artifacts.
const ArtifactSuffix = ".zarr.zip"

// ArtifactName returns the staging artifact file name for a frame time.
func ArtifactName(v Variant, t time.Time) string {
	name := t.UTC().Format("200601021504") + ArtifactSuffix
	if v == VariantHRV {
		return "hrv_" + name
	}
	return name
}

// ParseArtifactName reports the variant and time of a staging artifact.
func ParseArtifactName(name string) (Variant, time.Time, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ArtifactSuffix) {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	m := artifactRe.FindStringSubmatch(base)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	t, err := time.Parse("200601021504", m[2])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	if m[1] != "" {
		return VariantHRV, t.UTC(), nil
	}
	return VariantNonHRV, t.UTC(), nil
}
