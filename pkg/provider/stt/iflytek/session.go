package iflytek

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fieldscribe/pkg/audio"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

// maxMessageBytes bounds a single inbound message.
const maxMessageBytes = 1 << 20

type state int

const (
	stateConnecting state = iota
	stateStreaming
	stateCompleted
	stateTimedOut
	stateErrored
	stateClosed
	stateCancelled
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed_out"
	case stateErrored:
		return "errored"
	case stateClosed:
		return "closed"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// session is one recognition exchange. It is driven by a single call to run,
// which resolves exactly once. The only other goroutine is the frame sender,
// which run waits for before returning.
//
//	connecting → streaming → completed | timed_out | errored | closed | cancelled
//
// timed_out, errored and closed resolve to a Partial result when text has
// accumulated. A deadline on the caller's context counts as timed_out.
// cancelled never salvages.
type session struct {
	url      string
	appID    string
	interval time.Duration
	timeout  time.Duration
	params   *parameter

	state state
	sid   string
	text  strings.Builder
}

func (s *session) run(ctx context.Context, frames []audio.Frame) (*stt.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.state = stateConnecting
	conn, resp, err := websocket.Dial(sctx, s.url, nil)
	if err != nil {
		return s.resolve(ctx, sctx, dialError(resp, err), nil)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	s.state = stateStreaming
	sendDone := make(chan error, 1)
	go func() {
		err := s.send(sctx, conn, frames)
		if err != nil && sctx.Err() == nil {
			// Unblock the reader; the exchange cannot continue.
			conn.CloseNow()
		}
		sendDone <- err
	}()

	recvErr := s.receive(sctx, conn)
	completed := recvErr == nil
	cancel()
	if completed {
		_ = conn.Close(websocket.StatusNormalClosure, "recognition complete")
	} else {
		conn.CloseNow()
	}
	sendErr := <-sendDone

	return s.resolve(ctx, sctx, recvErr, sendErr)
}

// send writes frames in order, one per interval. Sequence number 0 carries
// the recognition parameters.
func (s *session) send(ctx context.Context, conn *websocket.Conn, frames []audio.Frame) error {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i, f := range frames {
		if i > 0 && tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var params *parameter
		if f.Seq == 0 {
			params = s.params
		}
		msg, err := encodeFrame(s.appID, f, params)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return err
		}
	}
	return nil
}

// receive appends text fragments in arrival order until the completion
// status arrives (nil) or the exchange ends some other way (non-nil).
func (s *session) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		resp, fragment, err := parseResponse(msg)
		if resp.Header.SID != "" {
			s.sid = resp.Header.SID
		}
		if err != nil {
			return &stt.ProtocolError{Backend: stt.BackendStreaming, Code: -1, Message: err.Error(), SID: s.sid}
		}
		if resp.Header.Code != 0 {
			return &stt.ProtocolError{Backend: stt.BackendStreaming, Code: resp.Header.Code, Message: resp.Header.Message, SID: s.sid}
		}
		s.text.WriteString(fragment)
		if resp.Header.Status == statusLast {
			return nil
		}
	}
}

// resolve maps the terminating event to the session's final state and result.
func (s *session) resolve(ctx, sctx context.Context, err, sendErr error) (*stt.Result, error) {
	if err == nil {
		s.state = stateCompleted
		slog.Debug("streaming recognition complete", "sid", s.sid, "chars", s.text.Len())
		return &stt.Result{Text: s.text.String(), Backend: stt.BackendStreaming}, nil
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		s.state = stateCancelled
		return nil, ctx.Err()
	}

	phase := s.lastPhase()
	var pe *stt.ProtocolError
	switch {
	case errors.As(err, &pe):
		s.state = stateErrored
	case errors.Is(sctx.Err(), context.DeadlineExceeded):
		s.state = stateTimedOut
		err = &stt.TimeoutError{Backend: stt.BackendStreaming, After: s.timeout, LastStatus: phase}
	case websocket.CloseStatus(err) != -1:
		s.state = stateClosed
		err = &stt.TransientError{Backend: stt.BackendStreaming, Op: "receive", Err: err}
	default:
		s.state = stateErrored
		if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
			err = errors.Join(err, sendErr)
		}
		err = &stt.TransientError{Backend: stt.BackendStreaming, Op: phase, Err: err}
	}

	if s.text.Len() > 0 {
		slog.Warn("streaming recognition ended early, returning partial transcript",
			"state", s.state, "sid", s.sid, "chars", s.text.Len(), "err", err)
		return &stt.Result{Text: s.text.String(), Backend: stt.BackendStreaming, Partial: true}, nil
	}
	return nil, err
}

// lastPhase names where the exchange was when it ended.
func (s *session) lastPhase() string {
	if s.state == stateConnecting {
		return "dial"
	}
	return "receive"
}

func dialError(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &stt.ProtocolError{Backend: stt.BackendStreaming, Code: resp.StatusCode, Message: "handshake rejected: " + err.Error()}
	}
	return err
}
