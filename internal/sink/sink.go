// Package sink implements CaptureSink backing storage: a parent-retained
// pipe read end feeding either an in-memory buffer or an unnamed temp file,
// and the text/base64 rendering spec.md §4.2 requires.
package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/cloudwego/base64x"
	"github.com/google/uuid"

	"github.com/gwgundersen/ir/internal/spec"
)

// DefaultMemoryCeiling bounds a memory-mode sink. Exceeding it is a capture
// error for that proc, per spec.md §4.2's "implementation may impose a
// ceiling" allowance.
const DefaultMemoryCeiling = 64 << 20 // 64 MiB

// ErrCeilingExceeded is returned by Drain when a memory sink grows past
// DefaultMemoryCeiling.
var ErrCeilingExceeded = errors.New("capture: memory sink exceeded ceiling")

// Sink is one CaptureSink: an OS pipe whose write end is handed to a child
// and whose read end is drained by this process into Mode's backing store.
type Sink struct {
	ID     string
	Name   string // fd name as given in the spec ("stdout", "2", ...)
	Mode   spec.CaptureMode
	Format spec.CaptureFormat

	r, w *os.File

	mu       sync.Mutex
	mem      bytes.Buffer
	tmp      *os.File
	written  int64
	digest   xxhash.Digest
	overflow bool
}

// New creates the pipe and, for tempfile mode, the backing temp file.
func New(name string, mode spec.CaptureMode, format spec.CaptureFormat) (*Sink, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating capture pipe: %w", err)
	}

	s := &Sink{
		ID:     uuid.NewString(),
		Name:   name,
		Mode:   mode,
		Format: format,
		r:      r,
		w:      w,
		digest: *xxhash.New(),
	}

	if mode == spec.CaptureTempfile {
		f, err := os.CreateTemp("", "ir-"+s.ID+"-*.tmp")
		if err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("creating backing temp file: %w", err)
		}
		// Unnamed temp file pattern: unlink immediately, keep the fd. The
		// inode lives exactly as long as this process holds it open, and
		// disappears automatically if we crash — no cleanup step needed.
		if err := os.Remove(f.Name()); err != nil {
			f.Close()
			r.Close()
			w.Close()
			return nil, fmt.Errorf("unlinking backing temp file: %w", err)
		}
		s.tmp = f
	}

	return s, nil
}

// WriteEnd is handed to the child via the fd plan; ReadEnd never leaves
// this process.
func (s *Sink) WriteEnd() *os.File { return s.w }
func (s *Sink) ReadEnd() *os.File  { return s.r }

// CloseWriteEnd releases the parent's copy of the child's write end. Must
// be called right after the child starts so EOF on the read end reliably
// means the child (and any fork of it) closed its copy.
func (s *Sink) CloseWriteEnd() error { return s.w.Close() }

// Close abandons a sink that was created but never handed to a started
// child — e.g. another fd in the same plan failed to compile. It releases
// both pipe ends and the backing temp file, if any.
func (s *Sink) Close() {
	s.r.Close()
	s.w.Close()
	if s.tmp != nil {
		s.tmp.Close()
	}
}

// Drain reads the pipe to EOF, appending every chunk to the backing store.
// It owns the read end and closes it on return.
func (s *Sink) Drain() error {
	defer s.r.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			if appendErr := s.append(buf[:n]); appendErr != nil {
				return appendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading capture pipe for fd %s: %w", s.Name, err)
		}
	}
}

func (s *Sink) append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.digest.Write(chunk)
	s.written += int64(len(chunk))

	switch s.Mode {
	case spec.CaptureMemory:
		if int64(s.mem.Len())+int64(len(chunk)) > DefaultMemoryCeiling {
			s.overflow = true
			return fmt.Errorf("%w: fd %s", ErrCeilingExceeded, s.Name)
		}
		s.mem.Write(chunk)
		return nil
	case spec.CaptureTempfile:
		if _, err := s.tmp.Write(chunk); err != nil {
			return fmt.Errorf("writing capture temp file for fd %s: %w", s.Name, err)
		}
		return nil
	default:
		return fmt.Errorf("sink %s: unknown mode %q", s.Name, s.Mode)
	}
}

// Digest returns a short content fingerprint for debug-log correlation —
// not part of the result payload.
func (s *Sink) Digest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest.Sum64()
}

// BytesWritten reports the raw byte count drained so far.
func (s *Sink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Payload is the rendered, JSON-ready capture result for one fd.
type Payload struct {
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

// Render reads the backing store's final contents and encodes them per
// Format. Tempfile-mode sinks are closed (and thus released) here; a sink
// must not outlive its rendered result, per spec.md §3.
func (s *Sink) Render() (Payload, error) {
	raw, err := s.rawBytes()
	if err != nil {
		return Payload{}, err
	}

	switch s.Format {
	case spec.FormatBase64:
		return Payload{Text: base64x.StdEncoding.EncodeToString(raw), Encoding: "base64"}, nil
	case spec.FormatText, "":
		return Payload{Text: sanitizeUTF8(raw)}, nil
	default:
		return Payload{}, fmt.Errorf("sink %s: unknown format %q", s.Name, s.Format)
	}
}

func (s *Sink) rawBytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Mode {
	case spec.CaptureMemory:
		return s.mem.Bytes(), nil
	case spec.CaptureTempfile:
		defer s.tmp.Close()
		if _, err := s.tmp.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking capture temp file for fd %s: %w", s.Name, err)
		}
		return io.ReadAll(s.tmp)
	default:
		return nil, fmt.Errorf("sink %s: unknown mode %q", s.Name, s.Mode)
	}
}

// sanitizeUTF8 replaces every invalid byte with its own replacement
// character — the same per-byte maximal-subpart substitution
// String::from_utf8_lossy does, not strings.ToValidUTF8's one-per-run
// collapse. "abc\x80\x80def" must come out as 8 runes (one U+FFFD per bad
// byte), not 7.
func sanitizeUTF8(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
			raw = raw[1:]
			continue
		}
		b.WriteRune(r)
		raw = raw[size:]
	}
	return b.String()
}
