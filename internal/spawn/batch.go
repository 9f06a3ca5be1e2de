//go:build linux

// Package spawn implements the supervision loop: compiling, starting,
// reaping, and (on shutdown) tearing down every process in a batch,
// concurrently, per spec.md §4.4/§4.6 and SPEC_FULL.md §4.4-§4.6.
package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gwgundersen/ir/internal/drain"
	"github.com/gwgundersen/ir/internal/fdplan"
	"github.com/gwgundersen/ir/internal/result"
	"github.com/gwgundersen/ir/internal/spec"
)

// gracePeriod is how long a process group gets after SIGTERM before
// Runner.Close escalates to SIGKILL, matching the teacher's process.Close
// shutdown sequence (SPEC_FULL.md §5).
const gracePeriod = 250 * time.Millisecond

// Runner executes one batch of process specs concurrently and aggregates
// their results. One Runner is used per invocation; it carries no state
// across batches.
type Runner struct {
	log     *zap.Logger
	reactor *drain.Reactor

	mu    sync.Mutex
	pgids map[int]struct{}
}

// New constructs a Runner. A nil logger is replaced with a no-op one.
func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		log:     log,
		reactor: drain.New(log),
		pgids:   make(map[int]struct{}),
	}
}

// Run executes every proc in batch concurrently and returns the aggregated
// result. It never returns a non-nil error for per-proc failures — those
// are folded into the returned Batch's Errors, per spec.md §4.7. ctx
// cancellation triggers Close-style teardown of every child that has
// already started.
func (r *Runner) Run(ctx context.Context, batch spec.Batch) result.Batch {
	if err := raiseFdLimit(r.log); err != nil {
		r.log.Warn("could not raise RLIMIT_NOFILE", zap.Error(err))
	}

	builder := result.NewBuilder(len(batch.Procs))
	var mu sync.Mutex

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	var wg sync.WaitGroup
	for i, ps := range batch.Procs {
		i, ps := i, ps
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runOne(i, ps, builder, &mu)
		}()
	}
	wg.Wait()

	return builder.Build()
}

func (r *Runner) runOne(index int, ps spec.ProcSpec, builder *result.Builder, mu *sync.Mutex) {
	addErr := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		builder.AddError(fmt.Sprintf("proc %d: %s", index, fmt.Sprintf(format, args...)))
	}

	plan, err := fdplan.Compile(ps)
	if err != nil {
		addErr("%v", err)
		return
	}

	// argv[0] is used as the executable path as given; exec.Command would
	// search PATH for a name without a slash.
	cmd := &exec.Cmd{Path: ps.Argv[0], Args: ps.Argv}
	cmd.Env = resolveEnv(ps.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	assignFiles(cmd, plan.Files)

	r.log.Debug("compiled plan",
		zap.Int("proc", index),
		zap.Strings("argv", ps.Argv),
		zap.String("plan", spew.Sdump(plan.Files)))

	if err := cmd.Start(); err != nil {
		closeAll(plan.ParentCleanup)
		addErr("%s", describeStartError(err))
		return
	}
	closeAll(plan.ParentCleanup)
	r.trackGroup(cmd.Process.Pid)
	defer r.untrackGroup(cmd.Process.Pid)

	var drainErr, reapErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainErr = r.reactor.DrainAll(plan.Sinks)
	}()
	go func() {
		defer wg.Done()
		reapErr = cmd.Wait()
	}()
	wg.Wait()

	// A non-exit reap failure and a capture failure can legitimately happen
	// together (e.g. a killed child whose pipe also errored); report both
	// instead of letting one hide the other.
	var fault error
	if reapErr != nil {
		if _, ok := reapErr.(*exec.ExitError); !ok {
			fault = multierr.Append(fault, fmt.Errorf("reap failed: %w", reapErr))
		}
	}
	if drainErr != nil {
		fault = multierr.Append(fault, fmt.Errorf("capture failed: %w", drainErr))
	}
	if fault != nil {
		addErr("%v", fault)
		return
	}

	pr, err := buildResult(index, cmd, plan.Sinks)
	if err != nil {
		addErr("%v", err)
		return
	}

	mu.Lock()
	builder.AddResult(pr)
	mu.Unlock()
}

// Close signals every started process group (SIGTERM, then SIGKILL after
// gracePeriod) and is safe to call more than once or concurrently with Run.
func (r *Runner) Close() {
	r.mu.Lock()
	pgids := make([]int, 0, len(r.pgids))
	for pgid := range r.pgids {
		pgids = append(pgids, pgid)
	}
	r.mu.Unlock()

	for _, pgid := range pgids {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}
	if len(pgids) == 0 {
		return
	}

	time.Sleep(gracePeriod)

	r.mu.Lock()
	remaining := make([]int, 0, len(r.pgids))
	for pgid := range r.pgids {
		remaining = append(remaining, pgid)
	}
	r.mu.Unlock()

	for _, pgid := range remaining {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

func (r *Runner) trackGroup(pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pgids[pgid] = struct{}{}
}

func (r *Runner) untrackGroup(pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pgids, pgid)
}

// assignFiles maps a compiled fd table onto exec.Cmd's Stdin/Stdout/Stderr
// (fds 0-2) and ExtraFiles (fd 3+), the only vocabulary os/exec exposes for
// the per-slot fd table spec.md's pre-exec plan describes.
func assignFiles(cmd *exec.Cmd, files []*os.File) {
	get := func(fd int) *os.File {
		if fd < len(files) {
			return files[fd]
		}
		return nil
	}
	cmd.Stdin = get(0)
	cmd.Stdout = get(1)
	cmd.Stderr = get(2)
	if len(files) > 3 {
		cmd.ExtraFiles = files[3:]
	}
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func resolveEnv(env map[string]string) []string {
	if env == nil {
		return os.Environ()
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// describeStartError renders an exec.Cmd.Start failure the way spec.md's
// "bad exe" scenario expects: os/exec's own async-signal-safe fork helper
// already distinguishes pre-exec setup failures from execve failures in its
// error text (see SPEC_FULL.md §4.4), so no further classification is
// needed here.
func describeStartError(err error) string {
	return err.Error()
}
