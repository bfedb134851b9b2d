// Package audio owns the local audio devices: a single live playback handle
// managed through an explicit replace/teardown protocol, and a microphone
// capture loop that produces PCM frames until stopped. Device errors are
// absorbed and classified as non-fatal; neither side retries internally.
package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/learninglab/voicebot/pkg/faultlog"
	"github.com/learninglab/voicebot/pkg/media"
)

// OutputDevice is one live playback handle.
type OutputDevice interface {
	// Write queues PCM for playback.
	Write(pcm []byte) error
	// Drain blocks until queued audio has finished playing, then tears the
	// device down.
	Drain() error
	// Close tears the device down immediately, discarding queued audio.
	Close() error
}

// OutputOpener opens playback devices.
type OutputOpener interface {
	OpenOutput(format media.Format) (OutputDevice, error)
}

// FaultReporter is where absorbed device errors go.
type FaultReporter interface {
	Report(class faultlog.Class, tag string, err error)
}

// Output manages the session's single playback handle. The handle is nulled
// before any replacement begins so nothing ever writes to a device whose
// teardown has started. Writes on an absent handle are no-ops, never errors.
type Output struct {
	opener OutputOpener
	format media.Format
	logger *slog.Logger
	faults FaultReporter

	mu     sync.Mutex
	device OutputDevice
}

// NewOutput creates a manager with no live handle.
func NewOutput(opener OutputOpener, format media.Format, logger *slog.Logger, faults FaultReporter) *Output {
	return &Output{opener: opener, format: format, logger: logger, faults: faults}
}

// Open acquires a new playback handle. The previous handle, if any, is torn
// down first.
func (o *Output) Open() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.device != nil {
		o.device.Close()
		o.device = nil
	}
	dev, err := o.opener.OpenOutput(o.format)
	if err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	o.device = dev
	o.logger.Debug("output device opened")
	return nil
}

// Write plays one PCM chunk. A write on an absent handle is silently dropped.
// A device error is absorbed and reported; the caller decides whether to
// replace the handle.
func (o *Output) Write(pcm []byte) error {
	o.mu.Lock()
	dev := o.device
	o.mu.Unlock()
	if dev == nil {
		return nil
	}
	if err := dev.Write(pcm); err != nil {
		o.faults.Report(faultlog.ClassDevice, "output-write", err)
		return err
	}
	return nil
}

// DrainAndClose detaches the current handle, lets its buffered audio finish
// in the background, and fires done when teardown completes. The handle is
// nulled immediately: writes arriving during the drain are dropped.
func (o *Output) DrainAndClose(done func()) {
	o.mu.Lock()
	dev := o.device
	o.device = nil
	o.mu.Unlock()

	if dev == nil {
		if done != nil {
			done()
		}
		return
	}

	go func() {
		if err := dev.Drain(); err != nil {
			o.faults.Report(faultlog.ClassDevice, "output-drain", err)
		}
		if err := dev.Close(); err != nil {
			o.faults.Report(faultlog.ClassDevice, "output-close", err)
		}
		o.logger.Debug("output device drained")
		if done != nil {
			done()
		}
	}()
}

// ForceClose tears the current handle down immediately. An interruption
// demands instant silence, not a graceful fade.
func (o *Output) ForceClose() {
	o.mu.Lock()
	dev := o.device
	o.device = nil
	o.mu.Unlock()

	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		o.faults.Report(faultlog.ClassDevice, "output-close", err)
	}
	o.logger.Debug("output device force-closed")
}

// HasDevice reports whether a live handle is present.
func (o *Output) HasDevice() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.device != nil
}
