package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/fieldscribe/internal/resilience"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

// Document is the result document a finished task points at.
type Document struct {
	FileURL     string       `json:"file_url"`
	Transcripts []Transcript `json:"transcripts"`
}

// Transcript is the recognition of one audio channel.
type Transcript struct {
	ChannelID int        `json:"channel_id"`
	Text      string     `json:"text"`
	Sentences []Sentence `json:"sentences"`
	Words     []Word     `json:"words"`
}

// Sentence is a diarized sentence. SpeakerID is nil when diarization did not
// run.
type Sentence struct {
	BeginTime int64  `json:"begin_time"`
	EndTime   int64  `json:"end_time"`
	Text      string `json:"text"`
	SpeakerID *int   `json:"speaker_id"`
}

// Word is a single recognised token with its trailing punctuation.
type Word struct {
	BeginTime   int64  `json:"begin_time"`
	EndTime     int64  `json:"end_time"`
	Text        string `json:"text"`
	Punctuation string `json:"punctuation"`
	SpeakerID   *int   `json:"speaker_id"`
}

func (p *Provider) fetchResult(ctx context.Context, resultURL string) (*Document, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dashscope: build result fetch: %w", err)
	}
	resp, err := p.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var he *resilience.HTTPError
		if errors.As(err, &he) && !he.Retryable {
			return nil, &stt.ProtocolError{Backend: stt.BackendAsync, Code: he.StatusCode, Message: "fetch result document"}
		}
		return nil, &stt.TransientError{Backend: stt.BackendAsync, Op: "fetch result", Err: err}
	}
	defer resp.Body.Close()

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &stt.ProtocolError{Backend: stt.BackendAsync, Code: -1, Message: "decode result document: " + err.Error()}
	}
	return &doc, nil
}

// piece is one unit of recognised text in document order.
type piece struct {
	speaker *int
	text    string
	start   time.Duration
}

// SpeakerLabel returns the line prefix for a zero-based diarization id.
func SpeakerLabel(id int) string {
	return "说话人" + strconv.Itoa(id+1)
}

// Reconstruct renders doc as text. Sentence-level segments are preferred,
// then word-level, then the plain per-channel text. When segments carry
// speaker ids, consecutive segments of one speaker are joined into a single
// "说话人N: ..." line and lines are separated by newlines; otherwise the
// segments are concatenated. Segments is nil unless speaker ids were present.
func Reconstruct(doc *Document) (string, []stt.Segment) {
	if doc == nil {
		return "", nil
	}
	pieces, diarized := collectPieces(doc)
	if !diarized {
		var b strings.Builder
		for _, pc := range pieces {
			b.WriteString(pc.text)
		}
		return b.String(), nil
	}

	var (
		b        strings.Builder
		segments []stt.Segment
	)
	current := -1
	for _, pc := range pieces {
		id := 0
		if pc.speaker != nil && *pc.speaker >= 0 {
			id = *pc.speaker
		}
		segments = append(segments, stt.Segment{SpeakerID: id, Text: pc.text, Start: pc.start})
		if id != current {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(SpeakerLabel(id))
			b.WriteString(": ")
			current = id
		}
		b.WriteString(pc.text)
	}
	return b.String(), segments
}

// collectPieces flattens all channels into pieces, preferring sentences, then
// words, then the channel text. diarized reports whether any piece carries a speaker id.
func collectPieces(doc *Document) (pieces []piece, diarized bool) {
	for _, t := range doc.Transcripts {
		switch {
		case len(t.Sentences) > 0:
			for _, s := range t.Sentences {
				pieces = append(pieces, piece{speaker: s.SpeakerID, text: s.Text, start: ms(s.BeginTime)})
				diarized = diarized || s.SpeakerID != nil
			}
		case len(t.Words) > 0:
			for _, w := range t.Words {
				pieces = append(pieces, piece{speaker: w.SpeakerID, text: w.Text + w.Punctuation, start: ms(w.BeginTime)})
				diarized = diarized || w.SpeakerID != nil
			}
		case t.Text != "":
			pieces = append(pieces, piece{text: t.Text})
		}
	}
	return pieces, diarized
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
