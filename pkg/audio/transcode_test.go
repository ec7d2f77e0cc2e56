package audio_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/MrWong99/fieldscribe/pkg/audio"
)

// fakeDecoder writes a shell script that behaves like the decoder command
// line: it copies the "-i" argument to the last argument.
func fakeDecoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script decoder needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "decoder")
	script := "#!/bin/sh\nin=\"\"; prev=\"\"; out=\"\"\nfor a in \"$@\"; do\n  if [ \"$prev\" = \"-i\" ]; then in=\"$a\"; fi\n  prev=\"$a\"; out=\"$a\"\ndone\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write decoder: %v", err)
	}
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned up: %d entries left (first %q)", len(entries), entries[0].Name())
	}
}

func TestTranscoder_PCMIsNoOp(t *testing.T) {
	tr := audio.NewTranscoder(audio.WithDecoder("/nonexistent/decoder"))
	in := []byte{1, 2, 3, 4}
	out, err := tr.ToPCM(context.Background(), in, audio.ContainerPCM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("out = %v, want %v", out, in)
	}
}

func TestTranscoder_WAVFastPath(t *testing.T) {
	pcm := samplesToBytes(make([]int16, 3200))
	wav := audio.EncodeWAV(pcm, audio.PCMFormat{SampleRate: 32000, Channels: 1})

	tr := audio.NewTranscoder(audio.WithDecoder("/nonexistent/decoder"))
	out, err := tr.ToPCM(context.Background(), wav, audio.ContainerWAV)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(out) / 2; got != 1600 {
		t.Errorf("samples = %d, want 1600", got)
	}
}

func TestTranscoder_DecoderSuccess(t *testing.T) {
	dir := t.TempDir()
	tr := audio.NewTranscoder(
		audio.WithDecoder(fakeDecoder(t, `cp "$in" "$out"`)),
		audio.WithTempDir(dir),
	)

	out, err := tr.ToPCM(context.Background(), []byte("fake webm payload"), audio.ContainerWebM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "fake webm payload" {
		t.Errorf("out = %q", out)
	}
	assertEmptyDir(t, dir)
}

func TestTranscoder_DecoderFailure(t *testing.T) {
	dir := t.TempDir()
	tr := audio.NewTranscoder(
		audio.WithDecoder(fakeDecoder(t, `echo "Invalid data found when processing input" >&2; exit 1`)),
		audio.WithTempDir(dir),
	)

	_, err := tr.ToPCM(context.Background(), []byte("garbage"), audio.ContainerOgg)
	var te *audio.TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TranscodeError", err)
	}
	if te.Container != audio.ContainerOgg {
		t.Errorf("Container = %q, want ogg", te.Container)
	}
	if te.Stderr != "Invalid data found when processing input" {
		t.Errorf("Stderr = %q", te.Stderr)
	}
	assertEmptyDir(t, dir)
}

func TestTranscoder_EmptyOutput(t *testing.T) {
	dir := t.TempDir()
	tr := audio.NewTranscoder(
		audio.WithDecoder(fakeDecoder(t, `: > "$out"`)),
		audio.WithTempDir(dir),
	)

	_, err := tr.ToPCM(context.Background(), []byte("silence"), audio.ContainerMP3)
	if !errors.Is(err, audio.ErrEmptyOutput) {
		t.Fatalf("err = %v, want ErrEmptyOutput", err)
	}
	assertEmptyDir(t, dir)
}

func TestTranscoder_Available(t *testing.T) {
	tr := audio.NewTranscoder(audio.WithDecoder("/nonexistent/decoder"))
	if err := tr.Available(); err == nil {
		t.Error("expected error for missing decoder")
	}
}
