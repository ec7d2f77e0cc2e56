package audio

// FrameRole marks a frame's position within a streamed clip.
type FrameRole int

const (
	// RoleFirst is carried only by sequence number 0 of a multi-frame clip.
	RoleFirst FrameRole = iota
	// RoleMiddle is every frame that is neither first nor last.
	RoleMiddle
	// RoleLast is the frame whose end offset reaches the end of the clip. A
	// clip that fits into one frame consists of a single RoleLast frame.
	RoleLast
)

// String returns the human-readable name of the role.
func (r FrameRole) String() string {
	switch r {
	case RoleFirst:
		return "first"
	case RoleMiddle:
		return "middle"
	case RoleLast:
		return "last"
	default:
		return "unknown"
	}
}

// Frame is a fixed-size slice of PCM audio. Order is significant.
type Frame struct {
	Seq  int
	Role FrameRole
	// Data aliases the buffer passed to [SplitFrames].
	Data []byte
}

// SplitFrames cuts pcm into ⌈len(pcm)/size⌉ frames with strictly increasing
// sequence numbers. The final frame may be shorter than size. An empty buffer
// yields no frames.
func SplitFrames(pcm []byte, size int) []Frame {
	if len(pcm) == 0 || size <= 0 {
		return nil
	}
	n := (len(pcm) + size - 1) / size
	frames := make([]Frame, 0, n)
	for seq := range n {
		start := seq * size
		end := min(start+size, len(pcm))

		role := RoleMiddle
		switch {
		case end == len(pcm):
			role = RoleLast
		case seq == 0:
			role = RoleFirst
		}
		frames = append(frames, Frame{Seq: seq, Role: role, Data: pcm[start:end]})
	}
	return frames
}
