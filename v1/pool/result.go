package pool

import (
	stdErrors "errors"
	"fmt"
	"time"
)

// Outcome classifies how one task ended.
type Outcome int

const (
	Succeeded Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// SkipError marks a task as deliberately not processed, e.g. malformed input
// or an identifier locked elsewhere. It is not a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skip returns an error that makes the pool record the task as Skipped.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// Skipf is Skip with formatting.
func Skipf(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// Result is what a worker reports for one task.
type Result struct {
	Index    int
	Worker   int
	Outcome  Outcome
	Reason   string
	Err      error
	Duration time.Duration
}

func classify(err error) (Outcome, string, error) {
	if err == nil {
		return Succeeded, "", nil
	}
	var skip *SkipError
	if stdErrors.As(err, &skip) {
		return Skipped, skip.Reason, nil
	}
	return Failed, err.Error(), err
}

// Report aggregates the results of a run. Results holds one entry per task
// that was processed, ordered by task index.
type Report struct {
	Offered   int
	Succeeded int
	Skipped   int
	Failed    int
	Results   []Result
}

// Processed is the number of tasks a worker picked up.
func (r Report) Processed() int {
	return r.Succeeded + r.Skipped + r.Failed
}

func buildReport(offered int, results []Result) Report {
	rep := Report{Offered: offered, Results: make([]Result, 0, len(results))}
	for _, res := range results {
		if res.Index == 0 {
			continue
		}
		switch res.Outcome {
		case Succeeded:
			rep.Succeeded++
		case Skipped:
			rep.Skipped++
		case Failed:
			rep.Failed++
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}
