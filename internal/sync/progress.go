package sync

import (
	"fmt"
	"time"
)

// Phase names the step a run is in.
type Phase string

// Run phases.
const (
	PhaseListing    Phase = "listing"
	PhaseCursor     Phase = "cursor"
	PhaseCommitting Phase = "committing"
	PhaseChanges    Phase = "changes"
	PhaseBackfill   Phase = "backfill"
	PhaseDone       Phase = "done"
)

// Progress is reported to the caller after each page and at the end of a run.
type Progress struct {
	Phase      Phase
	Pages      int
	Entries    int
	Changes    int
	LocalFiles int
	Done       bool
}

// ProgressFunc receives progress events. It may be nil.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(p Progress) {
	if f != nil {
		f(p)
	}
}

// Result summarizes a completed run.
type Result struct {
	Mode       Mode          `json:"mode"`
	Pages      int           `json:"pages"`
	Entries    int           `json:"entries"`
	Changes    int           `json:"changes"`
	Upserted   int           `json:"upserted"`
	Deleted    int           `json:"deleted"`
	Ignored    int           `json:"ignored"`
	Fetched    int           `json:"fetched"`
	Failed     int           `json:"failed"`
	LocalFiles int           `json:"localFiles"`
	Token      string        `json:"-"`
	Duration   time.Duration `json:"duration"`
}

// RunError is returned when a run fails. It carries the counts processed
// before the failure.
type RunError struct {
	Mode    Mode
	Phase   Phase
	Pages   int
	Entries int
	Changes int
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s sync failed during %s (pages=%d entries=%d changes=%d): %v",
		e.Mode, e.Phase, e.Pages, e.Entries, e.Changes, e.Err)
}

// Unwrap returns the cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

func (r *Result) fail(phase Phase, err error) *RunError {
	return &RunError{
		Mode:    r.Mode,
		Phase:   phase,
		Pages:   r.Pages,
		Entries: r.Entries,
		Changes: r.Changes,
		Err:     err,
	}
}
