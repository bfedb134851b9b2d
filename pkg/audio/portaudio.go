package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/learninglab/voicebot/pkg/media"
)

// PortAudio opens real devices through the portaudio host API. One instance
// per process; Initialize/Terminate bracket its lifetime.
type PortAudio struct {
	initOnce sync.Once
	initErr  error
}

// NewPortAudio creates an uninitialized host handle.
func NewPortAudio() *PortAudio {
	return &PortAudio{}
}

func (p *PortAudio) ensureInit() error {
	p.initOnce.Do(func() {
		p.initErr = portaudio.Initialize()
	})
	return p.initErr
}

// Terminate releases the host API. Call once at process shutdown.
func (p *PortAudio) Terminate() {
	portaudio.Terminate()
}

// OpenOutput opens the default playback device for the given format.
func (p *PortAudio) OpenOutput(format media.Format) (OutputDevice, error) {
	if err := p.ensureInit(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	const framesPerBuffer = 1024
	buf := make([]int16, framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start playback stream: %w", err)
	}
	return &paOutput{stream: stream, buf: buf}, nil
}

// OpenInput opens the default capture device for the given format.
func (p *PortAudio) OpenInput(format media.Format, frameSize int) (InputDevice, error) {
	if err := p.ensureInit(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	buf := make([]int16, frameSize*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start capture stream: %w", err)
	}
	return &paInput{stream: stream, buf: buf}, nil
}

// paOutput adapts a portaudio output stream to OutputDevice. Incoming PCM
// chunks are arbitrary sizes; a remainder buffer accumulates partial blocks.
type paOutput struct {
	stream *portaudio.Stream
	buf    []int16

	mu        sync.Mutex
	remainder []int16
	closed    bool
}

func (d *paOutput) Write(pcm []byte) error {
	samples := bytesToInt16(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}

	d.remainder = append(d.remainder, samples...)
	for len(d.remainder) >= len(d.buf) {
		copy(d.buf, d.remainder[:len(d.buf)])
		d.remainder = d.remainder[len(d.buf):]
		if err := d.stream.Write(); err != nil {
			return fmt.Errorf("playback write: %w", err)
		}
	}
	return nil
}

func (d *paOutput) Drain() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	// Flush the partial block padded with silence so the tail is audible.
	var flushErr error
	if len(d.remainder) > 0 {
		for i := range d.buf {
			if i < len(d.remainder) {
				d.buf[i] = d.remainder[i]
			} else {
				d.buf[i] = 0
			}
		}
		if err := d.stream.Write(); err != nil {
			flushErr = fmt.Errorf("playback flush: %w", err)
		}
		d.remainder = nil
	}
	d.mu.Unlock()

	// Stop waits for pending buffers to finish playing.
	if err := d.stream.Stop(); err != nil {
		d.stream.Close()
		return fmt.Errorf("playback drain: %w", err)
	}
	if err := d.stream.Close(); err != nil {
		return err
	}
	return flushErr
}

func (d *paOutput) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.remainder = nil
	d.mu.Unlock()

	// Abort discards queued audio for immediate silence.
	if err := d.stream.Abort(); err != nil {
		d.stream.Close()
		return fmt.Errorf("playback abort: %w", err)
	}
	return d.stream.Close()
}

// paInput adapts a portaudio input stream to InputDevice.
type paInput struct {
	stream *portaudio.Stream
	buf    []int16

	mu     sync.Mutex
	closed bool
}

func (d *paInput) ReadFrame() ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrCaptureStopped
	}
	d.mu.Unlock()

	if err := d.stream.Read(); err != nil {
		return nil, fmt.Errorf("capture read: %w", err)
	}
	return int16ToBytes(d.buf), nil
}

func (d *paInput) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stream.Stop()
	return d.stream.Close()
}

func bytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
