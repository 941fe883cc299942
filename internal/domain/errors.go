package domain

import "errors"

var (
	// ErrMalformedName means no filename grammar matched a scan or artifact name.
	ErrMalformedName = errors.New("malformed scan name")

	// ErrListingIncomplete means a paginated listing gathered fewer entries than the provider reported.
	ErrListingIncomplete = errors.New("listing incomplete")

	// ErrTailorFailed means a server-side customisation job ended in FAILED or KILLED or never finished.
	ErrTailorFailed = errors.New("tailor job failed")

	ErrUnauthorized = errors.New("unauthorized")
	ErrTransient    = errors.New("transient provider error")
	ErrRateLimited  = errors.New("rate limited")

	// ErrDirtyScan means a decoded scan has NaN pixels outside the off-disk region
	// or its native file is truncated.
	ErrDirtyScan = errors.New("dirty scan")

	ErrCoordMismatch = errors.New("coordinate mismatch")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrDuplicate     = errors.New("duplicate timestamp")

	// ErrNotOwner is returned when a writer appends to a (year, variant) archive
	// it has not claimed, or another writer holds the claim.
	ErrNotOwner = errors.New("archive owned by another writer")

	ErrUnknownAttrKind = errors.New("unknown attribute kind")
	ErrUnknownRegion   = errors.New("unknown region")
	ErrUnknownProduct  = errors.New("unknown product")
)

// FatalError marks an error that must terminate the run.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that IsFatal reports true. Fatal(nil) returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err terminates a run: explicitly fatal errors,
// authorization failures and incomplete listings.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrListingIncomplete)
}
