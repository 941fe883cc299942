package archive

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// OwnerSuffix names the claim file written next to a yearly store.
const OwnerSuffix = ".owner"

// DefaultStaleClaim is the age after which an abandoned claim is taken over.
const DefaultStaleClaim = 12 * time.Hour

// claim asserts exclusive ownership of one yearly store by owner. A claim
// already held by the same owner succeeds; a foreign claim younger than
// stale fails with ErrNotOwner.
func claim(store, owner string, stale time.Duration) error {
	name := store + OwnerSuffix
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(owner)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("claim %s: %w", store, err)
		}

		held, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("claim %s: %w", store, err)
		}
		if strings.TrimSpace(string(held)) == owner {
			return nil
		}
		st, err := os.Stat(name)
		if err != nil {
			return fmt.Errorf("claim %s: %w", store, err)
		}
		if stale <= 0 || domain.Now().Sub(st.ModTime()) < stale {
			return fmt.Errorf("%w: %s held by %s", domain.ErrNotOwner, store, strings.TrimSpace(string(held)))
		}
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("claim %s: %w", store, err)
		}
	}
	return fmt.Errorf("%w: %s contended", domain.ErrNotOwner, store)
}

// release drops owner's claim on store; foreign claims are left alone.
func release(store, owner string) error {
	name := store + OwnerSuffix
	held, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(held)) != owner {
		return nil
	}
	return os.Remove(name)
}
