package pipeline

import (
	"log/slog"
	"sort"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// Extent is the time range held by one archive store.
type Extent struct {
	First     time.Time `json:"first"`
	Last      time.Time `json:"last"`
	Timesteps int       `json:"timesteps"`
}

// Summary reports what one run did.
type Summary struct {
	RunID     string                 `json:"run_id"`
	Start     time.Time              `json:"start"`
	End       time.Time              `json:"end"`
	ProductID string                 `json:"product_id"`
	Fallback  bool                   `json:"fallback"`
	Listed    int                    `json:"listed"`
	Planned   int                    `json:"planned"`
	Outcomes  map[domain.Outcome]int `json:"outcomes"`
	// Stores maps every archive appended to its time extent after the run.
	Stores   map[string]Extent `json:"stores"`
	Duration time.Duration     `json:"duration_ns"`
}

func newSummary(start, end time.Time) *Summary {
	return &Summary{
		Start:    start,
		End:      end,
		Outcomes: map[domain.Outcome]int{},
		Stores:   map[string]Extent{},
	}
}

func (s *Summary) count(o domain.Outcome) {
	s.Outcomes[o]++
}

func (s *Summary) observeStore(path string, t time.Time) {
	e := s.Stores[path]
	if e.First.IsZero() || t.Before(e.First) {
		e.First = t
	}
	if t.After(e.Last) {
		e.Last = t
	}
	e.Timesteps++
	s.Stores[path] = e
}

// Processed is the number of scans that reached an outcome.
func (s *Summary) Processed() int {
	n := 0
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

// Log writes the final summary line and one line per archive extent.
func (s *Summary) Log(logger *slog.Logger, err error) {
	attrs := []any{
		"product", s.ProductID,
		"fallback", s.Fallback,
		"listed", s.Listed,
		"planned", s.Planned,
		"duration", s.Duration,
	}
	for _, o := range domain.Outcomes {
		attrs = append(attrs, o.Label(), s.Outcomes[o])
	}
	if err != nil {
		logger.Error("run failed", append(attrs, "error", err)...)
	} else {
		logger.Info("run complete", attrs...)
	}

	paths := make([]string, 0, len(s.Stores))
	for p := range s.Stores {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e := s.Stores[p]
		logger.Info("archive extent", "store", p, "first", e.First, "last", e.Last, "timesteps", e.Timesteps)
	}
}
