package sink

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwgundersen/ir/internal/spec"
)

func writeAndClose(t *testing.T, s *Sink, data []byte) {
	t.Helper()
	_, err := s.WriteEnd().Write(data)
	require.NoError(t, err)
	require.NoError(t, s.CloseWriteEnd())
}

func TestMemorySink_TextRoundTrip(t *testing.T) {
	s, err := New("stdout", spec.CaptureMemory, spec.FormatText)
	require.NoError(t, err)

	want := "Hello, world. How are you?\n"
	writeAndClose(t, s, []byte(want))
	require.NoError(t, s.Drain())

	payload, err := s.Render()
	require.NoError(t, err)
	assert.Equal(t, want, payload.Text)
	assert.Empty(t, payload.Encoding)
}

func TestTempfileSink_TextRoundTrip(t *testing.T) {
	s, err := New("stdout", spec.CaptureTempfile, spec.FormatText)
	require.NoError(t, err)

	want := "line one\nline two\n"
	writeAndClose(t, s, []byte(want))
	require.NoError(t, s.Drain())

	payload, err := s.Render()
	require.NoError(t, err)
	assert.Equal(t, want, payload.Text)
}

func TestSink_Base64Format(t *testing.T) {
	s, err := New("stdout", spec.CaptureMemory, spec.FormatBase64)
	require.NoError(t, err)

	raw := []byte{0x00, 0x01, 0xff, 'h', 'i'}
	writeAndClose(t, s, raw)
	require.NoError(t, s.Drain())

	payload, err := s.Render()
	require.NoError(t, err)
	assert.Equal(t, "base64", payload.Encoding)

	decoded, err := base64.StdEncoding.DecodeString(payload.Text)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestSink_UTF8SanitizationReplacesInvalidRuns(t *testing.T) {
	s, err := New("stdout", spec.CaptureMemory, spec.FormatText)
	require.NoError(t, err)

	raw := append([]byte("abc"), append([]byte{0x80, 0x80}, []byte("def")...)...)
	writeAndClose(t, s, raw)
	require.NoError(t, s.Drain())

	payload, err := s.Render()
	require.NoError(t, err)

	runes := []rune(payload.Text)
	assert.Len(t, runes, 8) // 3 + 2 replacement chars + 3
	assert.Equal(t, "abc", payload.Text[:3])
	assert.Equal(t, "def", payload.Text[len(payload.Text)-3:])
}

func TestSink_MemoryCeilingExceeded(t *testing.T) {
	s, err := New("stdout", spec.CaptureMemory, spec.FormatText)
	require.NoError(t, err)

	chunk := make([]byte, 1<<20) // 1 MiB per write
	go func() {
		for i := 0; i < (DefaultMemoryCeiling>>20)+2; i++ {
			if _, err := s.WriteEnd().Write(chunk); err != nil {
				break
			}
		}
		s.CloseWriteEnd()
	}()

	err = s.Drain()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCeilingExceeded)
}
