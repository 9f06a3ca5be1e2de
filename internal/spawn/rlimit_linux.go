//go:build linux

package spawn

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// raiseFdLimit raises RLIMIT_NOFILE to its hard ceiling, per spec.md §5's
// fd budget note (2·N·K fds needed transiently for N procs with K captures
// each) — rather than letting a large batch fail mid-run on EMFILE.
func raiseFdLimit(log *zap.Logger) error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}

	if rl.Cur >= rl.Max {
		return nil
	}

	before := rl.Cur
	rl.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}

	log.Debug("raised RLIMIT_NOFILE", zap.Uint64("from", before), zap.Uint64("to", rl.Cur))
	return nil
}
