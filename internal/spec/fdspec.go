package spec

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Tag identifies which variant of FdSpec is populated.
type Tag string

const (
	TagInherit Tag = "inherit"
	TagClose   Tag = "close"
	TagNull    Tag = "null"
	TagFile    Tag = "file"
	TagDup     Tag = "dup"
	TagCapture Tag = "capture"
	TagPipe    Tag = "pipe"
)

// FileSpec backs the "file" tag: open `path`, with role-derived defaults
// when Flags/Mode are absent.
type FileSpec struct {
	Path  string `json:"path" validate:"required"`
	Flags *int   `json:"flags"`
	Mode  *uint32 `json:"mode"`
}

// DupSpec backs the "dup" tag. Fd names the other fd *as it appears in the
// child* once all other fd setup has completed.
type DupSpec struct {
	Fd string `json:"fd" validate:"required"`
}

// CaptureMode selects a CaptureSink's backing store.
type CaptureMode string

const (
	CaptureTempfile CaptureMode = "tempfile"
	CaptureMemory   CaptureMode = "memory"
)

// CaptureFormat selects how a drained capture is rendered into the result.
type CaptureFormat string

const (
	FormatText   CaptureFormat = "text"
	FormatBase64 CaptureFormat = "base64"
)

// CaptureSpec backs the "capture" tag.
type CaptureSpec struct {
	Mode   CaptureMode   `json:"mode" validate:"required,oneof=tempfile memory"`
	Format CaptureFormat `json:"format"`
}

// PipeSpec backs the "pipe" tag (inter-process connection). Recognized but
// deliberately unimplemented — see fdplan.Compile.
type PipeSpec struct {
	OtherProc string `json:"other_proc" validate:"required"`
	OtherFd   string `json:"other_fd" validate:"required"`
}

// FdSpec is a single-key tagged union: {"<tag>": {...}}.
type FdSpec struct {
	Tag     Tag
	File    *FileSpec
	Dup     *DupSpec
	Capture *CaptureSpec
	Pipe    *PipeSpec
}

// UnmarshalJSON decodes the single-key object form spec.md requires and
// rejects anything structurally invalid (zero keys, multiple keys). An
// unrecognized tag is *not* rejected here — the document is still
// well-formed — it is left for fdplan.Compile to reject as a per-proc
// compile error (spec.md §4.1/§7: unknown fd tag leaves the rest of the
// batch running, it does not abort the whole batch the way a malformed
// spec file does).
func (f *FdSpec) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("fd spec must be a single-key object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("fd spec must have exactly one tag, got %d", len(raw))
	}

	for k, v := range raw {
		f.Tag = Tag(k)
		switch f.Tag {
		case TagInherit, TagClose, TagNull:
			// no payload
			return nil
		case TagFile:
			f.File = &FileSpec{}
			return json.Unmarshal(v, f.File)
		case TagDup:
			f.Dup = &DupSpec{}
			return json.Unmarshal(v, f.Dup)
		case TagCapture:
			f.Capture = &CaptureSpec{Format: FormatText}
			if err := json.Unmarshal(v, f.Capture); err != nil {
				return err
			}
			if f.Capture.Format == "" {
				f.Capture.Format = FormatText
			}
			return nil
		case TagPipe:
			f.Pipe = &PipeSpec{}
			return json.Unmarshal(v, f.Pipe)
		default:
			// Unrecognized tag: keep it (for a clear per-fd error message
			// later) without trying to parse a payload of unknown shape.
			return nil
		}
	}
	return nil
}

// MarshalJSON re-encodes the tagged union in its single-key form. Nothing on
// the run path marshals an FdSpec.
func (f FdSpec) MarshalJSON() ([]byte, error) {
	var payload any
	switch f.Tag {
	case TagFile:
		payload = f.File
	case TagDup:
		payload = f.Dup
	case TagCapture:
		payload = f.Capture
	case TagPipe:
		payload = f.Pipe
	default:
		payload = struct{}{}
	}
	return json.Marshal(map[string]any{string(f.Tag): payload})
}
