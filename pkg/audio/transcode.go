package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyOutput is wrapped by [TranscodeError] when the decoder exits cleanly
// but produces no audio.
var ErrEmptyOutput = errors.New("decoder produced no audio")

// TranscodeError reports a decoder failure. The audio is considered unusable;
// the error is not retryable.
type TranscodeError struct {
	Container Container
	// Stderr holds the tail of the decoder's diagnostic output.
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("audio: transcode %s: %v: %s", e.Container, e.Err, e.Stderr)
	}
	return fmt.Sprintf("audio: transcode %s: %v", e.Container, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// maxStderr bounds how much decoder output is kept on a [TranscodeError].
const maxStderr = 512

// Transcoder converts recorded clips to [SpeechFormat] PCM using an external
// decoder binary (ffmpeg-compatible command line). It is safe for concurrent
// use; every call uses its own temp files.
type Transcoder struct {
	decoder string
	tempDir string
}

// TranscoderOption is a functional option for [NewTranscoder].
type TranscoderOption func(*Transcoder)

// WithDecoder sets the decoder binary. Default: "ffmpeg" resolved via PATH.
func WithDecoder(path string) TranscoderOption {
	return func(t *Transcoder) { t.decoder = path }
}

// WithTempDir sets the directory for intermediate files. Default: [os.TempDir].
func WithTempDir(dir string) TranscoderOption {
	return func(t *Transcoder) { t.tempDir = dir }
}

// NewTranscoder creates a [Transcoder].
func NewTranscoder(opts ...TranscoderOption) *Transcoder {
	t := &Transcoder{decoder: "ffmpeg"}
	for _, o := range opts {
		o(t)
	}
	if t.tempDir == "" {
		t.tempDir = os.TempDir()
	}
	return t
}

// Available reports whether the decoder binary can be found.
func (t *Transcoder) Available() error {
	if _, err := exec.LookPath(t.decoder); err != nil {
		return fmt.Errorf("audio: decoder %q: %w", t.decoder, err)
	}
	return nil
}

// ToPCM converts data in container c to 16 kHz mono 16-bit little-endian PCM.
// PCM input is returned unchanged. 16-bit PCM WAV is unwrapped in-process;
// everything else goes through the external decoder.
func (t *Transcoder) ToPCM(ctx context.Context, data []byte, c Container) ([]byte, error) {
	switch c {
	case ContainerPCM:
		return data, nil
	case ContainerWAV:
		info, pcm, err := ParseWAV(data)
		if err == nil && info.PCM16() {
			f := PCMFormat{SampleRate: info.SampleRate, Channels: info.Channels}
			if f.CanNormalize() {
				out := Normalize(pcm, f)
				if len(out) == 0 {
					return nil, &TranscodeError{Container: c, Err: ErrEmptyOutput}
				}
				return out, nil
			}
		}
	}
	return t.decode(ctx, data, c)
}

func (t *Transcoder) decode(ctx context.Context, data []byte, c Container) ([]byte, error) {
	base := filepath.Join(t.tempDir, "fieldscribe-"+uuid.NewString())
	inPath := base + "." + string(c)
	outPath := base + ".pcm"
	defer removeQuietly(inPath)
	defer removeQuietly(outPath)

	if err := writeExclusive(inPath, data); err != nil {
		return nil, fmt.Errorf("audio: transcode %s: write input: %w", c, err)
	}

	cmd := exec.CommandContext(ctx, t.decoder,
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", inPath,
		"-vn", "-ac", "1", "-ar", "16000",
		"-acodec", "pcm_s16le", "-f", "s16le",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TranscodeError{Container: c, Stderr: tail(stderr.String()), Err: err}
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &TranscodeError{Container: c, Stderr: tail(stderr.String()), Err: err}
	}
	if len(out) == 0 {
		return nil, &TranscodeError{Container: c, Stderr: tail(stderr.String()), Err: ErrEmptyOutput}
	}
	slog.Debug("audio transcoded", "container", c, "in_bytes", len(data), "out_bytes", len(out))
	return out, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("audio: failed to remove temp file", "path", path, "err", err)
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
