//go:build linux

package spawn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwgundersen/ir/internal/spec"
)

func captureSpec(name string, mode spec.CaptureMode) spec.FdEntry {
	return spec.FdEntry{Name: name, Spec: spec.FdSpec{
		Tag:     spec.TagCapture,
		Capture: &spec.CaptureSpec{Mode: mode, Format: spec.FormatText},
	}}
}

func fileSpec(name, path string) spec.FdEntry {
	return spec.FdEntry{Name: name, Spec: spec.FdSpec{
		Tag:  spec.TagFile,
		File: &spec.FileSpec{Path: path},
	}}
}

func TestRun_EchoCapture(t *testing.T) {
	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{
		Argv: []string{"/bin/echo", "Hello, world.", "How are you?"},
		Fds:  spec.FdList{captureSpec("stdout", spec.CaptureMemory)},
	}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Errors)
	require.Len(t, res.Procs, 1)

	p := res.Procs[0]
	require.NotNil(t, p.ExitCode)
	assert.Equal(t, 0, *p.ExitCode)
	assert.Nil(t, p.Signum)
	assert.Equal(t, "Hello, world. How are you?\n", p.Fds["stdout"].Text)
}

func TestRun_BadExecutable(t *testing.T) {
	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{
		Argv: []string{"/usr/bin/bogus-executable-that-does-not-exist"},
	}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Procs)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, strings.ToLower(res.Errors[0]), "no such file or directory")
}

func TestRun_BadFilePathAttributesBothFds(t *testing.T) {
	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{
		Argv: []string{"/bin/echo", "hi"},
		Fds: spec.FdList{
			fileSpec("stdout", "/not/a/valid/path"),
			fileSpec("stderr", "/not/a/valid/path/either"),
		},
	}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Procs)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "failed to set up fd 1")
	assert.Contains(t, res.Errors[0], "failed to set up fd 2")
}

func TestRun_ExitCode42AndStreamSeparation(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")
	errPath := filepath.Join(dir, "err")

	script := `echo "message 0 to stdout"; echo "message 1 to stderr" 1>&2; echo "message 2 to stdout"; exit 42`

	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{
		Argv: []string{"/bin/sh", "-c", script},
		Fds: spec.FdList{
			fileSpec("stdout", outPath),
			fileSpec("stderr", errPath),
		},
	}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Errors)
	require.Len(t, res.Procs, 1)

	p := res.Procs[0]
	require.NotNil(t, p.ExitCode)
	assert.Equal(t, 42, *p.ExitCode)
	assert.Nil(t, p.Signum)
	assert.False(t, p.CoreDump)
	assert.Equal(t, 42<<8, p.Status)

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "message 0 to stdout\nmessage 2 to stdout\n", string(out))

	errContent, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Equal(t, "message 1 to stderr\n", string(errContent))
}

func TestRun_DupMergesStdoutIntoStderrFile(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "merged")

	script := `echo "one" 1>&2; echo "two"; echo "three" 1>&2`

	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{
		Argv: []string{"/bin/sh", "-c", script},
		Fds: spec.FdList{
			fileSpec("stderr", errPath),
			spec.FdEntry{Name: "stdout", Spec: spec.FdSpec{Tag: spec.TagDup, Dup: &spec.DupSpec{Fd: "stderr"}}},
		},
	}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Errors)
	require.Len(t, res.Procs, 1)

	content, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(content))
}

func TestRun_ConcurrentBatchPreservesOrder(t *testing.T) {
	const n = 8
	r := New(nil)

	procs := make([]spec.ProcSpec, n)
	for i := 0; i < n; i++ {
		procs[i] = spec.ProcSpec{
			Argv: []string{"/bin/echo", fmt.Sprintf("This is process #%d.", i)},
			Fds:  spec.FdList{captureSpec("stdout", spec.CaptureMemory)},
		}
	}

	res := r.Run(context.Background(), spec.Batch{Procs: procs})
	require.Empty(t, res.Errors)
	require.Len(t, res.Procs, n)

	for i, p := range res.Procs {
		want := fmt.Sprintf("This is process #%d.\n", i)
		assert.Equal(t, want, p.Fds["stdout"].Text)
	}
}

func TestRun_LargeOutputDrainsFully(t *testing.T) {
	const n = 8
	const lines = 256
	const lineLen = 16385

	r := New(nil)
	procs := make([]spec.ProcSpec, n)
	payload := strings.Repeat("x", lineLen)
	script := fmt.Sprintf(`for i in $(seq 1 %d); do echo %q; done`, lines, payload)
	for i := 0; i < n; i++ {
		procs[i] = spec.ProcSpec{
			Argv: []string{"/bin/sh", "-c", script},
			Fds:  spec.FdList{captureSpec("stdout", spec.CaptureMemory)},
		}
	}

	res := r.Run(context.Background(), spec.Batch{Procs: procs})
	require.Empty(t, res.Errors)
	require.Len(t, res.Procs, n)

	wantLen := lines * (lineLen + 1)
	for _, p := range res.Procs {
		assert.Equal(t, wantLen, len(p.Fds["stdout"].Text))
	}
}

func TestRun_RusageIsPopulated(t *testing.T) {
	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{Argv: []string{"/bin/true"}}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Errors)
	require.Len(t, res.Procs, 1)

	p := res.Procs[0]
	assert.Greater(t, p.Rusage.MaxRSS, int64(0))
}

func TestRun_DuplicateFdSpecErrorsWithoutStartingProcess(t *testing.T) {
	r := New(nil)
	batch := spec.Batch{Procs: []spec.ProcSpec{{
		Argv: []string{"/bin/true"},
		Fds: spec.FdList{
			{Name: "stdout", Spec: spec.FdSpec{Tag: spec.TagClose}},
			{Name: "1", Spec: spec.FdSpec{Tag: spec.TagNull}},
		},
	}}}

	res := r.Run(context.Background(), batch)
	require.Empty(t, res.Procs)
	require.Len(t, res.Errors, 1)
}
