package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/learninglab/voicebot/pkg/faultlog"
	"github.com/learninglab/voicebot/pkg/media"
)

// InputDevice is one live microphone handle.
type InputDevice interface {
	// ReadFrame blocks until one fixed-size PCM frame is available.
	ReadFrame() ([]byte, error)
	Close() error
}

// InputOpener opens capture devices.
type InputOpener interface {
	OpenInput(format media.Format, frameSize int) (InputDevice, error)
}

// ErrCaptureStopped is delivered on the frames channel closing after Stop or
// a fatal device error.
var ErrCaptureStopped = errors.New("audio: capture stopped")

const (
	// DefaultFrameSize is samples per captured frame: 64ms at 16kHz.
	DefaultFrameSize = 1024
	// frameHighWater bounds the undelivered-frame queue. Beyond it frames
	// are dropped rather than blocking capture.
	frameHighWater = 16
	// consecutive read failures tolerated before capture gives up.
	maxReadErrors = 5
)

// Capture produces a continuous stream of PCM frames from the microphone.
// Frames the consumer cannot keep up with are dropped once the queue hits
// its high-water mark; capture itself never blocks indefinitely.
type Capture struct {
	opener    InputOpener
	format    media.Format
	frameSize int
	logger    *slog.Logger
	faults    FaultReporter

	mu      sync.Mutex
	device  InputDevice
	frames  chan media.Frame
	stop    chan struct{}
	running bool
}

// NewCapture creates a stopped capture pipeline.
func NewCapture(opener InputOpener, format media.Format, logger *slog.Logger, faults FaultReporter) *Capture {
	return &Capture{
		opener:    opener,
		format:    format,
		frameSize: DefaultFrameSize,
		logger:    logger,
		faults:    faults,
	}
}

// Start opens the microphone and begins producing frames.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("audio: capture already running")
	}

	dev, err := c.opener.OpenInput(c.format, c.frameSize)
	if err != nil {
		return fmt.Errorf("open input device: %w", err)
	}
	c.device = dev
	c.frames = make(chan media.Frame, frameHighWater)
	c.stop = make(chan struct{})
	c.running = true

	go c.readLoop(dev, c.frames, c.stop)
	c.logger.Info("microphone capture started",
		slog.Int("sample_rate", c.format.SampleRate),
		slog.Int("frame_size", c.frameSize))
	return nil
}

// Frames returns the capture stream. The channel closes when capture stops.
func (c *Capture) Frames() <-chan media.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Stop closes the device and ends the frame stream.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	dev := c.device
	c.device = nil
	c.mu.Unlock()

	if dev != nil {
		dev.Close()
	}
	c.logger.Info("microphone capture stopped")
}

func (c *Capture) readLoop(dev InputDevice, frames chan<- media.Frame, stop <-chan struct{}) {
	defer close(frames)

	readErrors := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		pcm, err := dev.ReadFrame()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			readErrors++
			c.faults.Report(faultlog.ClassDevice, "mic-read", err)
			if readErrors >= maxReadErrors {
				c.logger.Error("microphone capture giving up after repeated errors")
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		readErrors = 0

		frame := media.NewFrame(pcm, c.format)
		select {
		case frames <- frame:
		default:
			// Consumer is behind; drop rather than block the device.
			c.logger.Debug("dropping capture frame under backpressure")
		}
	}
}
