// Package fake provides in-memory audio devices for tests.
package fake

import (
	"errors"
	"sync"

	"github.com/learninglab/voicebot/pkg/audio"
	"github.com/learninglab/voicebot/pkg/media"
)

// FakeOutputDevice records every write; Drain and Close mark it dead.
type FakeOutputDevice struct {
	mu      sync.Mutex
	writes  [][]byte
	drained bool
	closed  bool

	// WriteErr, when set, is returned by every Write.
	WriteErr error
	// DrainErr, when set, is returned by Drain.
	DrainErr error
}

func (d *FakeOutputDevice) Write(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteErr != nil {
		return d.WriteErr
	}
	if d.closed || d.drained {
		return errors.New("fake output: write after teardown")
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	d.writes = append(d.writes, buf)
	return nil
}

func (d *FakeOutputDevice) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drained = true
	return d.DrainErr
}

func (d *FakeOutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Writes returns a copy of all recorded writes.
func (d *FakeOutputDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

// Drained reports whether Drain was called.
func (d *FakeOutputDevice) Drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drained
}

// Closed reports whether Close was called.
func (d *FakeOutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// FakeOutputOpener hands out FakeOutputDevices and remembers them in order.
type FakeOutputOpener struct {
	mu      sync.Mutex
	devices []*FakeOutputDevice

	// OpenErr, when set, is returned by every OpenOutput.
	OpenErr error
}

func (o *FakeOutputOpener) OpenOutput(_ media.Format) (audio.OutputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	dev := &FakeOutputDevice{}
	o.devices = append(o.devices, dev)
	return dev, nil
}

// Devices returns every device opened so far, oldest first.
func (o *FakeOutputOpener) Devices() []*FakeOutputDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*FakeOutputDevice, len(o.devices))
	copy(out, o.devices)
	return out
}

// FakeInputDevice serves queued frames, then blocks until closed.
type FakeInputDevice struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewFakeInputDevice creates a device with room for n queued frames.
func NewFakeInputDevice(n int) *FakeInputDevice {
	return &FakeInputDevice{
		frames: make(chan []byte, n),
		done:   make(chan struct{}),
	}
}

// Queue adds a frame for a future ReadFrame call.
func (d *FakeInputDevice) Queue(pcm []byte) {
	d.frames <- pcm
}

func (d *FakeInputDevice) ReadFrame() ([]byte, error) {
	select {
	case pcm := <-d.frames:
		return pcm, nil
	case <-d.done:
		return nil, audio.ErrCaptureStopped
	}
}

func (d *FakeInputDevice) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// FakeInputOpener hands out a single prepared input device.
type FakeInputOpener struct {
	Device *FakeInputDevice
}

func (o *FakeInputOpener) OpenInput(_ media.Format, _ int) (audio.InputDevice, error) {
	if o.Device == nil {
		o.Device = NewFakeInputDevice(64)
	}
	return o.Device, nil
}
