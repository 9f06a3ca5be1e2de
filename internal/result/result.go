// Package result defines ir's output JSON shapes and the logic that merges
// a reaped child's status/rusage with its drained capture sinks into one
// ProcResult, per spec.md §4.7.
package result

import (
	"sort"

	"github.com/gwgundersen/ir/internal/sink"
)

// TimeVal mirrors POSIX struct timeval.
type TimeVal struct {
	TvSec  int64 `json:"tv_sec"`
	TvUsec int64 `json:"tv_usec"`
}

// Rusage mirrors POSIX struct rusage, ru_maxrss in KiB per spec.md §3.
type Rusage struct {
	UTime    TimeVal `json:"ru_utime"`
	STime    TimeVal `json:"ru_stime"`
	MaxRSS   int64   `json:"ru_maxrss"`
	IxRSS    int64   `json:"ru_ixrss"`
	IdRSS    int64   `json:"ru_idrss"`
	IsRSS    int64   `json:"ru_isrss"`
	MinFlt   int64   `json:"ru_minflt"`
	MajFlt   int64   `json:"ru_majflt"`
	NSwap    int64   `json:"ru_nswap"`
	InBlock  int64   `json:"ru_inblock"`
	OuBlock  int64   `json:"ru_oublock"`
	MsgSnd   int64   `json:"ru_msgsnd"`
	MsgRcv   int64   `json:"ru_msgrcv"`
	NSignals int64   `json:"ru_nsignals"`
	NvCsw    int64   `json:"ru_nvcsw"`
	NivCsw   int64   `json:"ru_nivcsw"`
}

// ProcResult is one completed process's report.
type ProcResult struct {
	Status   int                     `json:"status"`
	ExitCode *int                    `json:"exit_code"`
	Signum   *int                    `json:"signum"`
	CoreDump bool                    `json:"core_dump"`
	Rusage   Rusage                  `json:"rusage"`
	Fds      map[string]sink.Payload `json:"fds"`

	// Index is the proc's position in the input batch; used only to place
	// it correctly in Batch.Procs, never serialized itself.
	Index int `json:"-"`
}

// Batch is the full output document.
type Batch struct {
	Procs  []ProcResult `json:"procs"`
	Errors []string     `json:"errors"`
}

// Builder accumulates completed proc results (in arbitrary completion
// order, since procs run fully concurrently) and batch-level errors, then
// renders the final Batch with procs restored to input order.
type Builder struct {
	total   int
	results []*ProcResult
	errs    []string
}

// NewBuilder prepares a builder for a batch of n input procs.
func NewBuilder(n int) *Builder {
	return &Builder{total: n}
}

// AddResult records a completed proc. Only fully-complete procs (reaped and
// fully drained, per spec.md §4.6) should ever reach this call.
func (b *Builder) AddResult(r ProcResult) {
	cp := r
	b.results = append(b.results, &cp)
}

// AddError records a batch-level error: the proc it concerns, if any,
// produces no result entry at all, per spec.md §7.
func (b *Builder) AddError(msg string) {
	b.errs = append(b.errs, msg)
}

// Build renders the final Batch, ordering Procs by each result's original
// input index (spec.md §8 invariant 6).
func (b *Builder) Build() Batch {
	sort.Slice(b.results, func(i, j int) bool { return b.results[i].Index < b.results[j].Index })

	procs := make([]ProcResult, len(b.results))
	for i, r := range b.results {
		procs[i] = *r
	}

	errs := b.errs
	if errs == nil {
		errs = []string{}
	}
	if procs == nil {
		procs = []ProcResult{}
	}

	return Batch{Procs: procs, Errors: errs}
}
