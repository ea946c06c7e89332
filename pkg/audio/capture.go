package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// Capture pulls mono PCM16 from the default input device and delivers it as
// fixed-size frames. The device callback appends into a staging buffer and
// whole frames are forwarded on the Frames channel; a slow consumer drops
// frames rather than stalling the device callback.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	staging []byte
	frames  chan []byte
	closed  bool
}

// OpenCapture initializes the input device at 16 kHz mono and starts
// capturing. Device unavailability surfaces here, once, as an error; it is a
// session-start precondition, never a per-frame concern.
func OpenCapture() (*Capture, error) {
	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	c := &Capture{
		ctx:     mctx,
		staging: make([]byte, 0, InputSampleRate*BytesPerSample),
		frames:  make(chan []byte, 16),
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = Channels
	deviceCfg.SampleRate = InputSampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.push(input)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	c.device = device
	return c, nil
}

// Frames returns the stream of captured frames, each exactly FrameBytes long.
// The channel is closed by Close.
func (c *Capture) Frames() <-chan []byte {
	return c.frames
}

func (c *Capture) push(input []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.staging = append(c.staging, input...)
	for len(c.staging) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, c.staging[:FrameBytes])
		c.staging = c.staging[FrameBytes:]
		select {
		case c.frames <- frame:
		default:
			slog.Debug("capture: dropping frame, consumer is behind")
		}
	}
}

// Close stops the device and closes the frame channel. Safe to call more
// than once.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
	}
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
	}
	close(c.frames)
}
