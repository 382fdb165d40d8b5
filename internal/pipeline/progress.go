package pipeline

import "sync/atomic"

// Progress receives phase changes and copy byte counts from the running
// pipeline. Implementations must be safe for concurrent reads: an observer
// polls on its own schedule while the pipeline writes.
type Progress interface {
	SetPhase(phase string)
	AddBytes(n int64)
}

// Tracker is the default Progress: an atomic byte counter plus the current
// phase name. The pipeline writes, any number of observers read.
type Tracker struct {
	bytes atomic.Int64
	phase atomic.Value
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.phase.Store(StateInit.String())
	return t
}

func (t *Tracker) SetPhase(phase string) { t.phase.Store(phase) }
func (t *Tracker) AddBytes(n int64)      { t.bytes.Add(n) }

// Bytes returns the cumulative bytes copied so far.
func (t *Tracker) Bytes() int64 { return t.bytes.Load() }

// Phase returns the name of the phase the pipeline is currently in.
func (t *Tracker) Phase() string { return t.phase.Load().(string) }
