package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the size of one signed 16-bit little-endian PCM sample.
// Every decoded buffer in the pipeline uses this sample encoding.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSize returns the number of bytes per interleaved frame.
func (f Format) FrameSize() int {
	return f.Channels * BytesPerSample
}

// Valid reports whether f describes a playable format.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Duration returns how long n bytes of PCM last in this format.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := int64(n / f.FrameSize())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Frames converts a duration into a whole number of frames, rounding down.
func (f Format) Frames(d time.Duration) int64 {
	return int64(d) * int64(f.SampleRate) / int64(time.Second)
}

// Offset returns the clock position of frame n. It rounds up so that
// f.Frames(f.Offset(n)) == n for every sample rate.
func (f Format) Offset(n int64) time.Duration {
	if !f.Valid() {
		return 0
	}
	rate := int64(f.SampleRate)
	return time.Duration((n*int64(time.Second) + rate - 1) / rate)
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Chunk is one incrementally delivered piece of a synthesized response. Seq
// increases by one per chunk within a single speech session and starts at 0.
//
// Ownership of Data moves with the chunk: the producer must not touch it after
// handing the chunk on.
type Chunk struct {
	Seq         int
	Data        []byte
	ContentType string
}

// Buffer is a decoded, playback-ready PCM segment derived from exactly one
// [Chunk]. Buffers are immutable once produced.
type Buffer struct {
	// Seq is the sequence index of the chunk this buffer was decoded from.
	Seq int

	Format Format

	// Data holds interleaved signed 16-bit little-endian samples.
	Data []byte
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format.Duration(len(b.Data))
}

// Frames returns the number of complete frames in the buffer.
func (b Buffer) Frames() int64 {
	if !b.Format.Valid() {
		return 0
	}
	return int64(len(b.Data) / b.Format.FrameSize())
}

// Silence returns a zeroed buffer of duration d in format f.
func Silence(f Format, d time.Duration) Buffer {
	return Buffer{Format: f, Data: make([]byte, int(f.Frames(d))*f.FrameSize())}
}

// ErrMisaligned is returned when PCM data is not a whole number of frames.
type ErrMisaligned struct {
	Bytes  int
	Format Format
}

func (e *ErrMisaligned) Error() string {
	return fmt.Sprintf("audio: %d bytes is not a whole number of %s frames", e.Bytes, e.Format)
}
