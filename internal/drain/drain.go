// Package drain implements the Go-idiomatic rendering of spec.md §4.5's
// cooperative drain reactor: one goroutine per capture pipe, fanned out and
// joined with golang.org/x/sync/errgroup. See SPEC_FULL.md §4.5 for why this
// replaces a hand-rolled epoll loop — the Go runtime's own netpoller already
// multiplexes the blocked reads onto a small thread pool, which is the
// "single cooperative reactor" spec.md asks for, expressed the way every
// repo in this corpus expresses concurrent I/O fan-in.
package drain

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gwgundersen/ir/internal/sink"
)

// Reactor drains a batch of sinks concurrently.
type Reactor struct {
	log *zap.Logger
}

// New constructs a Reactor. A nil logger is replaced with a no-op one.
func New(log *zap.Logger) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reactor{log: log}
}

// DrainAll launches one goroutine per sink and waits for all of them to hit
// EOF. It returns the first error encountered, but every sink still runs to
// completion (errgroup cancels nothing here — there is no shared context to
// cancel drains with; a stuck child is torn down by the spawner, not by the
// reactor). No fd starves another: each sink is an independent goroutine,
// so a chatty child's pipe can't block a sibling's from draining.
func (r *Reactor) DrainAll(sinks map[string]*sink.Sink) error {
	var g errgroup.Group
	for name, s := range sinks {
		name, s := name, s
		g.Go(func() error {
			if err := s.Drain(); err != nil {
				return fmt.Errorf("draining fd %s: %w", name, err)
			}
			r.log.Debug("sink drained",
				zap.String("fd", name),
				zap.Int64("bytes", s.BytesWritten()),
				zap.Uint64("digest", s.Digest()))
			return nil
		})
	}
	return g.Wait()
}
