// Package runner wires specdecode and spawn together into the single
// entry point cmd/ir calls: decode the batch spec, run it, and hand back
// the aggregated result (or a runner-internal, whole-batch error).
package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/gwgundersen/ir/internal/result"
	"github.com/gwgundersen/ir/internal/specdecode"
	"github.com/gwgundersen/ir/internal/spawn"
)

// Run decodes the spec file at path and executes its batch, returning the
// result to be marshaled to stdout. A non-nil error here is a runner-
// internal fault (spec.md §6: "bad spec file, out of fds") — the only case
// that should produce a non-zero exit code.
func Run(ctx context.Context, log *zap.Logger, path string) (result.Batch, error) {
	batch, err := specdecode.Decode(path)
	if err != nil {
		return result.Batch{}, err
	}

	r := spawn.New(log)
	return r.Run(ctx, batch), nil
}
