package audio

import (
	"bytes"
	"net/url"
	"path"
	"strings"
)

// Container identifies the container/codec family of a recorded clip.
type Container string

const (
	ContainerWebM Container = "webm"
	ContainerWAV  Container = "wav"
	ContainerMP3  Container = "mp3"
	ContainerOgg  Container = "ogg"
	ContainerMP4  Container = "mp4"
	// ContainerPCM is headerless 16 kHz mono 16-bit little-endian PCM.
	ContainerPCM Container = "pcm"
)

// SniffLen is the number of leading bytes [Detect] looks at.
const SniffLen = 16

var extContainers = map[string]Container{
	".webm": ContainerWebM,
	".weba": ContainerWebM,
	".wav":  ContainerWAV,
	".wave": ContainerWAV,
	".mp3":  ContainerMP3,
	".ogg":  ContainerOgg,
	".oga":  ContainerOgg,
	".opus": ContainerOgg,
	".mp4":  ContainerMP4,
	".m4a":  ContainerMP4,
	".aac":  ContainerMP4,
	".pcm":  ContainerPCM,
	".raw":  ContainerPCM,
}

var (
	magicEBML = []byte{0x1A, 0x45, 0xDF, 0xA3}
	magicRIFF = []byte("RIFF")
	magicID3  = []byte("ID3")
	magicOggS = []byte("OggS")
	magicFtyp = []byte("ftyp")
)

// Detect classifies a clip from its reference and its first bytes.
//
// An ISO-BMFF "ftyp" box at offset 4 always wins, because browsers happily
// label MP4 recordings ".webm". Otherwise the file extension of ref (query and
// fragment ignored) is trusted, then the remaining magic numbers. When nothing
// matches the result is [ContainerWebM]: a wrong guess surfaces as a
// self-describing decoder error downstream.
func Detect(ref string, head []byte) Container {
	if len(head) >= 8 && bytes.Equal(head[4:8], magicFtyp) {
		return ContainerMP4
	}
	if c, ok := extContainers[refExt(ref)]; ok {
		return c
	}
	switch {
	case bytes.HasPrefix(head, magicEBML):
		return ContainerWebM
	case bytes.HasPrefix(head, magicRIFF):
		return ContainerWAV
	case bytes.HasPrefix(head, magicOggS):
		return ContainerOgg
	case bytes.HasPrefix(head, magicID3), isMPEGFrameSync(head):
		return ContainerMP3
	}
	return ContainerWebM
}

// isMPEGFrameSync reports whether head starts with an MPEG audio frame sync:
// eleven set bits.
func isMPEGFrameSync(head []byte) bool {
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0
}

func refExt(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}
