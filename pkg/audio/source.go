package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// DefaultMaxClipBytes bounds how much audio a [Source] reads for one clip.
const DefaultMaxClipBytes = 512 << 20

// ErrClipTooLarge is returned when a clip exceeds the source's size limit.
var ErrClipTooLarge = errors.New("audio: clip exceeds size limit")

// Source loads a recorded clip by reference.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Doer sends HTTP requests. *http.Client and the retrying client from the
// resilience package both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// URLSource fetches clips over HTTP(S) and, for file:// references or plain
// paths, from the local filesystem.
type URLSource struct {
	client   Doer
	maxBytes int64
}

// NewURLSource creates a [URLSource]. A nil client uses [http.DefaultClient];
// maxBytes <= 0 selects [DefaultMaxClipBytes].
func NewURLSource(client Doer, maxBytes int64) *URLSource {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxClipBytes
	}
	return &URLSource{client: client, maxBytes: maxBytes}
}

// Fetch implements [Source].
func (s *URLSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := ref
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		return s.readFile(path)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("audio: fetch: unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: fetch: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audio: fetch %s: HTTP %d", u.Host, resp.StatusCode)
	}
	return s.readAll(resp.Body)
}

func (s *URLSource) readFile(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audio: fetch: empty reference")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: fetch: %w", err)
	}
	defer f.Close()
	return s.readAll(f)
}

func (s *URLSource) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("audio: fetch: read body: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, ErrClipTooLarge
	}
	return data, nil
}
