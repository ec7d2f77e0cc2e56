package audio_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/fieldscribe/pkg/audio"
)

func TestURLSource_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("RIFF....WAVE"))
	}))
	defer srv.Close()

	data, err := audio.NewURLSource(srv.Client(), 0).Fetch(context.Background(), srv.URL+"/clip.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "RIFF....WAVE" {
		t.Errorf("data = %q", data)
	}
}

func TestURLSource_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := audio.NewURLSource(srv.Client(), 0).Fetch(context.Background(), srv.URL+"/missing.webm"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestURLSource_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	_, err := audio.NewURLSource(srv.Client(), 10).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, audio.ErrClipTooLarge) {
		t.Fatalf("err = %v, want ErrClipTooLarge", err)
	}
}

func TestURLSource_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.pcm")
	if err := os.WriteFile(path, []byte{1, 2, 3, 4}, 0o600); err != nil {
		t.Fatal(err)
	}

	src := audio.NewURLSource(nil, 0)
	for _, ref := range []string{path, "file://" + path} {
		data, err := src.Fetch(context.Background(), ref)
		if err != nil {
			t.Fatalf("Fetch(%q): %v", ref, err)
		}
		if len(data) != 4 {
			t.Errorf("Fetch(%q) len = %d, want 4", ref, len(data))
		}
	}
}

func TestURLSource_UnsupportedScheme(t *testing.T) {
	if _, err := audio.NewURLSource(nil, 0).Fetch(context.Background(), "ftp://host/clip.mp3"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}
