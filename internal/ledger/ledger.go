// Package ledger persists what previous runs learned about individual scans
// so later runs can skip known-bad scans, and records when each product was
// last brought up to date.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

const (
	scanKeyPrefix    = "scan:"
	updatedKeyPrefix = "updated:"
)

// Entry is the memo for one scan.
type Entry struct {
	Key     string         `json:"key"`
	ScanID  string         `json:"scan_id"`
	Outcome domain.Outcome `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	At      time.Time      `json:"at"`
}

// Ledger is a badger-backed scan memo.
type Ledger struct {
	db *badger.DB
}

// Open opens the ledger in dir. An empty dir keeps the ledger in memory.
func Open(dir string) (*Ledger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database.
func (l *Ledger) Close() error { return l.db.Close() }

// Record stores the outcome of scan, replacing any previous memo.
func (l *Ledger) Record(_ context.Context, scan domain.Scan, outcome domain.Outcome, reason, runID string) error {
	e := Entry{
		Key:     scan.Key(),
		ScanID:  scan.ID,
		Outcome: outcome,
		Reason:  reason,
		RunID:   runID,
		At:      domain.Now(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(scanKeyPrefix+e.Key), data)
	})
}

// Lookup returns the memo for scan, if any.
func (l *Ledger) Lookup(_ context.Context, scan domain.Scan) (Entry, bool, error) {
	var e Entry
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(scanKeyPrefix + scan.Key()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", scan.Key(), err)
	}
	return e, found, nil
}

// ShouldSkip reports whether scan was previously found dirty. retryDirty
// disables the skip.
func (l *Ledger) ShouldSkip(ctx context.Context, scan domain.Scan, retryDirty bool) (bool, error) {
	if retryDirty {
		return false, nil
	}
	e, ok, err := l.Lookup(ctx, scan)
	if err != nil || !ok {
		return false, err
	}
	return e.Outcome == domain.OutcomeDirty, nil
}

// Counts tallies the stored memos by outcome.
func (l *Ledger) Counts(_ context.Context) (map[domain.Outcome]int, error) {
	counts := map[domain.Outcome]int{}
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(scanKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			counts[e.Outcome]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	return counts, nil
}

// SetLastUpdated records that product's archive is current up to t.
func (l *Ledger) SetLastUpdated(_ context.Context, productID string, t time.Time) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(updatedKeyPrefix+productID), []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

// LastUpdated returns the last time recorded for product.
func (l *Ledger) LastUpdated(_ context.Context, productID string) (time.Time, bool, error) {
	var t time.Time
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(updatedKeyPrefix + productID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			var perr error
			t, perr = time.Parse(time.RFC3339Nano, strings.TrimSpace(string(val)))
			return perr
		})
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last updated %s: %w", productID, err)
	}
	return t, found, nil
}
