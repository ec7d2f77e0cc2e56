// Package audio loads recorded clips and prepares them for speech
// recognition.
//
// The pieces are used in this order:
//
//   - [Source] fetches the raw bytes of a clip by reference.
//   - [Detect] identifies the container from the reference and leading bytes.
//   - [Transcoder] turns any supported container into 16 kHz mono 16-bit PCM,
//     decoding WAV in process and everything else with an external decoder.
//   - [SplitFrames] cuts PCM into fixed-size frames tagged first, continue or
//     last for streaming upload.
package audio
