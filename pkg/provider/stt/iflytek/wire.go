package iflytek

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/fieldscribe/pkg/audio"
)

// Frame status values shared by the header and the audio payload.
const (
	statusFirst    = 0
	statusContinue = 1
	statusLast     = 2
)

func roleStatus(r audio.FrameRole) int {
	switch r {
	case audio.RoleFirst:
		return statusFirst
	case audio.RoleLast:
		return statusLast
	default:
		return statusContinue
	}
}

type requestHeader struct {
	AppID  string `json:"app_id"`
	Status int    `json:"status"`
}

type resultFormat struct {
	Encoding string `json:"encoding"`
	Compress string `json:"compress"`
	Format   string `json:"format"`
}

type iatParams struct {
	Domain   string       `json:"domain"`
	Language string       `json:"language"`
	Accent   string       `json:"accent"`
	EOS      int          `json:"eos,omitempty"`
	Result   resultFormat `json:"result"`
}

type parameter struct {
	IAT iatParams `json:"iat"`
}

type audioPayload struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Status     int    `json:"status"`
	Seq        int    `json:"seq"`
	Audio      string `json:"audio"`
}

type requestPayload struct {
	Audio audioPayload `json:"audio"`
}

type request struct {
	Header    requestHeader  `json:"header"`
	Parameter *parameter     `json:"parameter,omitempty"`
	Payload   requestPayload `json:"payload"`
}

// encodeFrame renders one outbound frame. params is attached only when
// non-nil, which the session does for sequence number 0.
func encodeFrame(appID string, f audio.Frame, params *parameter) ([]byte, error) {
	status := roleStatus(f.Role)
	return json.Marshal(request{
		Header:    requestHeader{AppID: appID, Status: status},
		Parameter: params,
		Payload: requestPayload{Audio: audioPayload{
			Encoding:   "raw",
			SampleRate: audio.SpeechFormat.SampleRate,
			Channels:   audio.SpeechFormat.Channels,
			BitDepth:   16,
			Status:     status,
			Seq:        f.Seq,
			Audio:      base64.StdEncoding.EncodeToString(f.Data),
		}},
	})
}

type responseHeader struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Status  int    `json:"status"`
}

type responseResult struct {
	Status int    `json:"status"`
	Text   string `json:"text"`
}

type responsePayload struct {
	Result *responseResult `json:"result,omitempty"`
}

type response struct {
	Header  responseHeader   `json:"header"`
	Payload *responsePayload `json:"payload,omitempty"`
}

// recognition is the JSON document carried base64-encoded in result.text.
type recognition struct {
	WS []struct {
		CW []struct {
			W string `json:"w"`
		} `json:"cw"`
	} `json:"ws"`
}

// parseResponse decodes an inbound message and its text fragment. The
// fragment is empty for messages that carry no result.
func parseResponse(data []byte) (response, string, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, "", fmt.Errorf("decode message: %w", err)
	}
	if resp.Payload == nil || resp.Payload.Result == nil || resp.Payload.Result.Text == "" {
		return resp, "", nil
	}
	text, err := decodeFragment(resp.Payload.Result.Text)
	return resp, text, err
}

func decodeFragment(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode result text: %w", err)
	}
	var rec recognition
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decode recognition: %w", err)
	}
	var b strings.Builder
	// Each ws entry is one word slot; cw lists candidates, best first.
	for _, ws := range rec.WS {
		if len(ws.CW) > 0 {
			b.WriteString(ws.CW[0].W)
		}
	}
	return b.String(), nil
}
