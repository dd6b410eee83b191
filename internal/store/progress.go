package store

import (
	"fmt"
	"sync"
	"time"
)

// Progress tracks a weighted multi-unit load. Units declare their weight
// up front and advance only after their work succeeded.
type Progress struct {
	mu       sync.Mutex
	total    int
	done     int
	err      error
	finished bool
	started  time.Time
}

// ProgressSnapshot is a point-in-time view of a Progress.
type ProgressSnapshot struct {
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	Fraction float64 `json:"fraction"`
	Complete bool    `json:"complete"`
	Error    string  `json:"error,omitempty"`
	Elapsed  string  `json:"elapsed"`
}

// NewProgress creates an empty tracker.
func NewProgress() *Progress {
	return &Progress{started: time.Now()}
}

// AddTotal declares additional weight.
func (p *Progress) AddTotal(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total += n
}

// Advance records n units of completed weight.
func (p *Progress) Advance(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
}

// Fail records the first failure of a unit.
func (p *Progress) Fail(unit string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", unit, err)
	}
}

// Finish marks the end of the load.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
}

// Err returns the recorded failure.
func (p *Progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Snapshot returns the current state. Complete requires Finish, all declared
// weight done and no failure.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := ProgressSnapshot{
		Done:    p.done,
		Total:   p.total,
		Elapsed: time.Since(p.started).Round(time.Millisecond).String(),
	}
	if p.total > 0 {
		s.Fraction = min(1, float64(p.done)/float64(p.total))
	}
	s.Complete = p.finished && p.done >= p.total && p.err == nil
	if p.finished && p.total == 0 && p.err == nil {
		s.Fraction = 1
	}
	if p.err != nil {
		s.Error = p.err.Error()
	}
	return s
}
