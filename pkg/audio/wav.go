package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [ParseWAV] when the buffer is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE buffer")

const wavFormatPCM = 1

// WAVInfo describes the fmt chunk of a WAV file.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// PCM16 reports whether the payload is uncompressed 16-bit integer PCM.
func (w WAVInfo) PCM16() bool {
	return w.AudioFormat == wavFormatPCM && w.BitsPerSample == 16
}

// ParseWAV walks the RIFF chunks of data and returns the fmt description and
// the data chunk payload. Chunks other than "fmt " and "data" (LIST, fact, ...)
// are skipped. The returned payload aliases data.
func ParseWAV(data []byte) (WAVInfo, []byte, error) {
	var info WAVInfo
	if len(data) < 12 || !bytes.Equal(data[0:4], magicRIFF) || string(data[8:12]) != "WAVE" {
		return info, nil, ErrNotWAV
	}

	var haveFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Recorders that never finalised the header leave a bogus size on the
			// last chunk; take what is there.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return info, nil, fmt.Errorf("audio: parse wav: fmt chunk too short (%d bytes)", end-body)
			}
			f := data[body:end]
			info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, nil, errors.New("audio: parse wav: data chunk before fmt chunk")
			}
			return info, data[body:end], nil
		}

		// Chunks are word aligned.
		off = end + size%2
	}
	if !haveFmt {
		return info, nil, errors.New("audio: parse wav: missing fmt chunk")
	}
	return info, nil, errors.New("audio: parse wav: missing data chunk")
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, f PCMFormat) []byte {
	const bits = 16
	blockAlign := f.Channels * bits / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate*blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
