package audio_test

import (
	"testing"

	"github.com/MrWong99/fieldscribe/pkg/audio"
)

func TestDetect(t *testing.T) {
	ftyp := []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}

	tests := []struct {
		name string
		ref  string
		head []byte
		want audio.Container
	}{
		{name: "wav extension", ref: "https://cdn.example/r/1.wav", want: audio.ContainerWAV},
		{name: "extension ignores query", ref: "https://cdn.example/r/1.mp3?X-Sig=abc.webm", want: audio.ContainerMP3},
		{name: "upper-case extension", ref: "/tmp/CLIP.OGG", want: audio.ContainerOgg},
		{name: "m4a extension", ref: "clip.m4a", want: audio.ContainerMP4},
		{name: "pcm extension", ref: "clip.pcm", want: audio.ContainerPCM},
		{name: "ftyp beats extension", ref: "https://cdn.example/r/1.webm", head: ftyp, want: audio.ContainerMP4},
		{name: "ftyp beats wav extension", ref: "a.wav", head: ftyp, want: audio.ContainerMP4},
		{name: "ebml magic", ref: "blob", head: []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, want: audio.ContainerWebM},
		{name: "riff magic", ref: "blob", head: []byte("RIFF\x24\x00\x00\x00WAVE"), want: audio.ContainerWAV},
		{name: "id3 magic", ref: "blob", head: []byte("ID3\x04\x00"), want: audio.ContainerMP3},
		{name: "frame sync", ref: "blob", head: []byte{0xFF, 0xFB, 0x90, 0x64}, want: audio.ContainerMP3},
		{name: "ogg magic", ref: "blob", head: []byte("OggS\x00\x02"), want: audio.ContainerOgg},
		{name: "unknown defaults to webm", ref: "blob", head: []byte{0x01, 0x02, 0x03}, want: audio.ContainerWebM},
		{name: "empty defaults to webm", want: audio.ContainerWebM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Detect(tt.ref, tt.head); got != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}
