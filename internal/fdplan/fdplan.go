// Package fdplan compiles one process's declarative FdSpec list into a
// concrete, already-resolved fd table plus a registry of capture sinks —
// the Go-native rendering of spec.md §4.1/§4.3's pre-exec plan. See
// SPEC_FULL.md §4.1 for why this resolves *os.File slots instead of
// replaying dup2/open/close syscalls by hand: os/exec's own fork helper
// already performs that replay, async-signal-safely, from this table.
package fdplan

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/multierr"

	"github.com/gwgundersen/ir/internal/sink"
	"github.com/gwgundersen/ir/internal/spec"
)

// Errors surfaced by Compile, all attributable to a single fd.
var (
	ErrDuplicateFd  = errors.New("duplicate fd after alias resolution")
	ErrDupCycle     = errors.New("cyclic dup specification")
	ErrUnresolvedFd = errors.New("dup target fd is not otherwise set")
	ErrUnsupported  = errors.New("unsupported fd spec")
)

// FdError attributes a compile failure to the fd it occurred on, rendering
// exactly as spec.md's "failed to set up fd <N>: <reason>" examples show.
type FdError struct {
	Fd  int
	Err error
}

func (e *FdError) Error() string { return fmt.Sprintf("failed to set up fd %d: %v", e.Fd, e.Err) }
func (e *FdError) Unwrap() error { return e.Err }

// Plan is a compiled, ready-to-exec fd table: Files[i] becomes fd i in the
// child (nil closes it). ParentCleanup lists file handles this process must
// close once the child has started (the capture-sink write ends).
type Plan struct {
	Files         []*os.File
	ParentCleanup []*os.File
	Sinks         map[string]*sink.Sink // keyed by fd name, for the drain reactor
}

// HighWater reports how many fd slots this plan occupies.
func (p *Plan) HighWater() int { return len(p.Files) }

// resolver resolves one proc's fd table, memoizing results so a fd that is
// both directly specified and a dup target is only materialized once.
type resolver struct {
	specs    map[int]spec.FdSpec
	resolved map[int]*os.File
	visiting map[int]bool
	cleanup  []*os.File
	sinks    map[string]*sink.Sink
	names    map[int]string
}

// Compile lowers one ProcSpec's fd list into a Plan. A fd whose own setup
// fails does not stop the rest of the table from being attempted: every
// failing fd accumulates its own *FdError, and Compile returns all of them
// combined (via multierr) so a proc with two bad file paths reports both,
// per spec.md §8's "bad file path" scenario. ErrDuplicateFd has no single
// fd to blame and is returned bare, before any per-fd resolution starts.
func Compile(ps spec.ProcSpec) (*Plan, error) {
	specs := make(map[int]spec.FdSpec, len(ps.Fds))
	names := make(map[int]string, len(ps.Fds))
	for _, entry := range ps.Fds {
		fd, err := spec.ResolveFdName(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvedFd, err)
		}
		if _, dup := specs[fd]; dup {
			return nil, fmt.Errorf("%w: fd %d (name %q)", ErrDuplicateFd, fd, entry.Name)
		}
		specs[fd] = entry.Spec
		names[fd] = entry.Name
	}

	r := &resolver{
		specs:    specs,
		resolved: make(map[int]*os.File),
		visiting: make(map[int]bool),
		sinks:    make(map[string]*sink.Sink),
		names:    names,
	}

	maxFd := 2 // stdin/stdout/stderr always present in the table
	for fd := range specs {
		if fd > maxFd {
			maxFd = fd
		}
	}

	// Resolve every mentioned fd plus the always-present 0/1/2 defaults, in
	// ascending fd order so a multi-fd failure is reported deterministically
	// regardless of map iteration order.
	fds := []int{0, 1, 2}
	for fd := range specs {
		if fd > 2 {
			fds = append(fds, fd)
		}
	}
	sort.Ints(fds)

	var compileErr error
	for _, fd := range fds {
		if _, err := r.resolve(fd); err != nil {
			compileErr = multierr.Append(compileErr, err)
		}
	}

	if compileErr != nil {
		for _, f := range r.cleanup {
			f.Close()
		}
		for _, s := range r.sinks {
			s.Close()
		}
		return nil, compileErr
	}

	files := make([]*os.File, maxFd+1)
	for fd := 0; fd <= maxFd; fd++ {
		f, ok := r.resolved[fd]
		if ok {
			files[fd] = f
		}
		// fds beyond maxFd that were never mentioned and aren't 0/1/2 are
		// simply absent from the table (left nil => closed in the child),
		// matching "close" semantics for unspecified high fds.
	}

	return &Plan{Files: files, ParentCleanup: r.cleanup, Sinks: r.sinks}, nil
}

func (r *resolver) resolve(fd int) (*os.File, error) {
	if f, ok := r.resolved[fd]; ok {
		return f, nil
	}
	if r.visiting[fd] {
		return nil, &FdError{Fd: fd, Err: ErrDupCycle}
	}
	r.visiting[fd] = true
	defer delete(r.visiting, fd)

	s, ok := r.specs[fd]
	if !ok {
		// Not mentioned: default behavior is "inherit" for 0/1/2, "close"
		// for anything else.
		if fd <= 2 {
			s = spec.FdSpec{Tag: spec.TagInherit}
		} else {
			s = spec.FdSpec{Tag: spec.TagClose}
		}
	}

	f, err := r.lower(fd, s)
	if err != nil {
		var fe *FdError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, &FdError{Fd: fd, Err: err}
	}
	r.resolved[fd] = f
	return f, nil
}

func (r *resolver) lower(fd int, s spec.FdSpec) (*os.File, error) {
	switch s.Tag {
	case spec.TagInherit:
		switch fd {
		case 0:
			return os.Stdin, nil
		case 1:
			return os.Stdout, nil
		case 2:
			return os.Stderr, nil
		default:
			f := os.NewFile(uintptr(fd), fmt.Sprintf("inherited-fd-%d", fd))
			if f == nil {
				return nil, fmt.Errorf("fd %d not open in parent, cannot inherit", fd)
			}
			return f, nil
		}

	case spec.TagClose:
		// A nil Files[fd] slot closes the fd in the child. For fd 0-2,
		// assignFiles stores the nil *os.File in exec.Cmd.Stdin/Stdout/Stderr
		// as a non-nil interface value, so os/exec does not substitute
		// /dev/null; it passes the nil file on, and the fd is closed (EBADF
		// in the child). For fd 3+, a nil entry in ExtraFiles is closed the
		// same way.
		return nil, nil

	case spec.TagNull:
		flags := os.O_WRONLY
		if spec.IsInputFd(fd) {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(os.DevNull, flags, 0)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
		}
		r.cleanup = append(r.cleanup, f)
		return f, nil

	case spec.TagFile:
		return r.lowerFile(fd, s.File)

	case spec.TagDup:
		return r.lowerDup(fd, s.Dup)

	case spec.TagCapture:
		return r.lowerCapture(fd, s.Capture)

	case spec.TagPipe:
		return nil, fmt.Errorf("%w: inter-process pipe fds are recognized but not implemented (other_proc=%q other_fd=%q)",
			ErrUnsupported, s.Pipe.OtherProc, s.Pipe.OtherFd)

	default:
		return nil, fmt.Errorf("%w: tag %q", ErrUnsupported, s.Tag)
	}
}

func (r *resolver) lowerFile(fd int, fs *spec.FileSpec) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if spec.IsInputFd(fd) {
		flags = os.O_RDONLY
	}
	if fs.Flags != nil {
		flags = *fs.Flags
	}
	mode := os.FileMode(0644)
	if fs.Mode != nil {
		mode = os.FileMode(*fs.Mode)
	}

	f, err := os.OpenFile(fs.Path, flags, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", fs.Path, err)
	}
	r.cleanup = append(r.cleanup, f)
	return f, nil
}

func (r *resolver) lowerDup(fd int, d *spec.DupSpec) (*os.File, error) {
	target, err := spec.ResolveFdName(d.Fd)
	if err != nil {
		return nil, fmt.Errorf("invalid dup target %q: %w", d.Fd, err)
	}
	if target == fd {
		return nil, fmt.Errorf("%w: fd %d dups itself", ErrDupCycle, fd)
	}
	f, err := r.resolve(target)
	if err != nil {
		return nil, fmt.Errorf("resolving dup target fd %d: %w", target, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: fd %d is closed", ErrUnresolvedFd, target)
	}
	return f, nil
}

func (r *resolver) lowerCapture(fd int, cs *spec.CaptureSpec) (*os.File, error) {
	if spec.IsInputFd(fd) {
		return nil, fmt.Errorf("capture is only supported on output fds, not fd %d", fd)
	}
	name := r.names[fd]
	if name == "" {
		name = fmt.Sprintf("%d", fd)
	}
	s, err := sink.New(name, cs.Mode, cs.Format)
	if err != nil {
		return nil, fmt.Errorf("creating capture sink: %w", err)
	}
	r.sinks[name] = s
	r.cleanup = append(r.cleanup, s.WriteEnd())
	return s.WriteEnd(), nil
}
