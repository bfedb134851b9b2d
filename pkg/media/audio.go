// Package media defines the raw PCM frame and format types shared by the
// capture, playback, and transport layers. Audio moves through the system as
// 16-bit little-endian PCM with no transcoding.
package media

import (
	"fmt"
	"time"
)

// Format describes the shape of a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Frame is one contiguous chunk of PCM audio in a single format.
type Frame struct {
	Data      []byte
	Format    Format
	Timestamp time.Time
}

// NewFrame creates a frame stamped with the current time.
func NewFrame(data []byte, format Format) Frame {
	return Frame{Data: data, Format: format, Timestamp: time.Now()}
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, Format: f.Format, Timestamp: f.Timestamp}
}

// SampleCount returns the number of samples per channel in the frame.
func (f Frame) SampleCount() int {
	bytesPerSample := f.Format.BitsPerSample / 8
	if bytesPerSample == 0 || f.Format.Channels == 0 {
		return 0
	}
	return len(f.Data) / (bytesPerSample * f.Format.Channels)
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.Format.SampleRate == 0 {
		return 0
	}
	seconds := float64(f.SampleCount()) / float64(f.Format.SampleRate)
	return time.Duration(seconds * float64(time.Second))
}

// IsEmpty reports whether the frame carries no audio data.
func (f Frame) IsEmpty() bool {
	return len(f.Data) == 0
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{samples=%d rate=%d ch=%d dur=%v}",
		f.SampleCount(), f.Format.SampleRate, f.Format.Channels, f.Duration())
}

// Stream formats used by the realtime service: microphone input is captured
// at 16 kHz mono and synthesized output arrives at 24 kHz mono.
var (
	CaptureFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

	PlaybackFormat = Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
)
