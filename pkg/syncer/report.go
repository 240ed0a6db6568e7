package syncer

import (
	"time"
)

// Report is the outcome of syncing one target
type Report struct {
	RunID           string    `json:"runId"`
	TargetHandle    string    `json:"targetHandle"`
	State           State     `json:"state"`
	NewFollowsFound int       `json:"newFollowsFound"`
	EdgesWritten    int       `json:"edgesWritten"`
	EdgesFailed     int       `json:"edgesFailed"`
	Errors          []string  `json:"errors"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
	// NewHandles lists the discovered follows on dry runs
	NewHandles []string `json:"newHandles,omitempty"`
	// TargetMissing marks a target whose account no longer exists. Its
	// record is a deletion candidate.
	TargetMissing bool `json:"targetMissing,omitempty"`
}

func (r *Report) addError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Duration is how long the target took
func (r Report) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary aggregates the reports of one run
type RunSummary struct {
	RunID      string    `json:"runId"`
	DryRun     bool      `json:"dryRun,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Reports    []Report  `json:"reports"`
}

// Totals sums the per-target counters
func (s RunSummary) Totals() (newFollows, written, failed int) {
	for _, r := range s.Reports {
		newFollows += r.NewFollowsFound
		written += r.EdgesWritten
		failed += r.EdgesFailed
	}
	return newFollows, written, failed
}

// Count returns how many targets ended in state
func (s RunSummary) Count(state State) int {
	n := 0
	for _, r := range s.Reports {
		if r.State == state {
			n++
		}
	}
	return n
}

// MissingTargets lists targets whose accounts no longer exist
func (s RunSummary) MissingTargets() []string {
	var out []string
	for _, r := range s.Reports {
		if r.TargetMissing {
			out = append(out, r.TargetHandle)
		}
	}
	return out
}

// OK reports whether every target finished Done
func (s RunSummary) OK() bool {
	return s.Count(StateDone) == len(s.Reports)
}
