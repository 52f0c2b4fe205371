package audio

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// CaptureConfig holds capture device configuration
type CaptureConfig struct {
	Device     string // Device name or ID substring; empty selects the default
	SampleRate int    // Sample rate in Hz (default: 48000)
	Channels   int    // 1 or 2 (default: 2)
	BlockSize  int    // Samples per channel per frame (default: 2048)
	Format     Format // Sample encoding (default: s16)
	// BufferBlocks sizes the ring buffer between the device callback and
	// the block cutter, in frames.
	BufferBlocks int
	// QueueFrames is the pull-mode queue depth.
	QueueFrames int
}

// DefaultCaptureConfig returns defaults for a stereo USB interface
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:   48000,
		Channels:     2,
		BlockSize:    2048,
		Format:       FormatS16,
		BufferBlocks: 8,
		QueueFrames:  16,
	}
}

func (c CaptureConfig) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive: %w", c.SampleRate, dsp.ErrConfig)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("audio: channels %d must be 1 or 2: %w", c.Channels, dsp.ErrConfig)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("audio: block size %d must be positive: %w", c.BlockSize, dsp.ErrConfig)
	}
	if c.Format != FormatS16 && c.Format != FormatS32 {
		return fmt.Errorf("audio: unsupported format %q: %w", c.Format, dsp.ErrConfig)
	}
	if c.BufferBlocks < 2 {
		return fmt.Errorf("audio: buffer of %d blocks too small: %w", c.BufferBlocks, dsp.ErrConfig)
	}
	return nil
}

func (c CaptureConfig) blockBytes() int {
	return c.BlockSize * c.Channels * c.Format.BytesPerSample()
}

// Capture reads fixed-size frames from a capture device. Frames go to the
// handler set with OnFrame, on the device's callback thread, or to Next
// when no handler is set.
type Capture struct {
	cfg    CaptureConfig
	logger *slog.Logger

	mu         sync.Mutex
	running    bool
	mctx       *malgo.AllocatedContext
	device     *malgo.Device
	deviceName string

	// bufMu guards the ring buffer and the overflow flag; both are touched
	// only from the device callback and Stop.
	bufMu      sync.Mutex
	rb         *ringbuffer.RingBuffer
	scratch    []byte
	overflowed bool

	onFrame func(Frame)
	frames  chan Frame
	closed  chan struct{}
	once    sync.Once

	// Stats
	framesCaptured atomic.Uint64
	overflows      atomic.Uint64
	bytesDropped   atomic.Uint64
	framesDropped  atomic.Uint64
}

// NewCapture creates a capture for cfg. The device is opened by Start.
func NewCapture(cfg CaptureConfig, logger *slog.Logger) (*Capture, error) {
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = DefaultCaptureConfig().QueueFrames
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Capture{
		cfg:     cfg,
		logger:  logger,
		rb:      ringbuffer.New(cfg.blockBytes() * cfg.BufferBlocks),
		scratch: make([]byte, cfg.blockBytes()),
		frames:  make(chan Frame, cfg.QueueFrames),
		closed:  make(chan struct{}),
	}, nil
}

// OnFrame sets the callback for captured frames. It runs on the audio
// thread and must not block.
func (c *Capture) OnFrame(callback func(Frame)) {
	c.mu.Lock()
	c.onFrame = callback
	c.mu.Unlock()
}

// Start opens the device and begins capturing
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return fmt.Errorf("audio: init context: %w", err)
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		freeContext(mctx)
		return fmt.Errorf("audio: enumerate devices: %w", err)
	}
	info, err := selectDevice(infos, c.cfg.Device)
	if err != nil {
		freeContext(mctx)
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgoFormat(c.cfg.Format)
	deviceConfig.Capture.Channels = uint32(c.cfg.Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if info != nil {
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: func() { c.logger.Info("capture device stopped") },
	})
	if err != nil {
		freeContext(mctx)
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return fmt.Errorf("audio: start device: %w", err)
	}

	c.mctx = mctx
	c.device = device
	c.running = true
	c.deviceName = "default"
	if info != nil {
		c.deviceName = info.Name()
	}

	c.logger.Info("starting audio capture",
		"device", c.deviceName,
		"sample_rate", c.cfg.SampleRate,
		"channels", c.cfg.Channels,
		"block_size", c.cfg.BlockSize,
		"format", c.cfg.Format,
	)
	return nil
}

// onData runs on the device thread for every captured period.
func (c *Capture) onData(_, input []byte, _ uint32) {
	for _, f := range c.ingest(input, time.Now()) {
		c.deliver(f)
	}
}

// ingest buffers input and cuts whole blocks. A chunk that does not fit is
// dropped whole so the interleaving stays aligned, and the next frame is
// flagged.
func (c *Capture) ingest(input []byte, now time.Time) []Frame {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	if c.rb.Free() < len(input) {
		c.overflowed = true
		c.overflows.Add(1)
		c.bytesDropped.Add(uint64(len(input)))
	} else if _, err := c.rb.Write(input); err != nil {
		c.overflowed = true
		c.overflows.Add(1)
		c.bytesDropped.Add(uint64(len(input)))
	}

	var out []Frame
	blockDur := time.Duration(float64(c.cfg.BlockSize) / float64(c.cfg.SampleRate) * float64(time.Second))
	for c.rb.Length() >= len(c.scratch) {
		if _, err := io.ReadFull(c.rb, c.scratch); err != nil {
			break
		}
		channels := NewChannels(c.cfg.Channels, c.cfg.BlockSize)
		if _, err := Deinterleave(channels, c.scratch, c.cfg.Format); err != nil {
			continue
		}
		out = append(out, Frame{
			Channels:   channels,
			SampleRate: c.cfg.SampleRate,
			Overflowed: c.overflowed,
		})
		c.overflowed = false
	}
	// The newest frame ends at now; the earlier ones precede it.
	for i := range out {
		out[i].Timestamp = now.Add(-time.Duration(len(out)-i) * blockDur)
	}
	return out
}

func (c *Capture) deliver(f Frame) {
	c.framesCaptured.Add(1)

	c.mu.Lock()
	callback := c.onFrame
	c.mu.Unlock()

	if callback != nil {
		callback(f)
		return
	}

	select {
	case c.frames <- f:
	default:
		// The consumer fell behind; the gap is reported on the next frame.
		c.framesDropped.Add(1)
		c.bufMu.Lock()
		c.overflowed = true
		c.bufMu.Unlock()
	}
}

// Next implements Source for pull-mode consumers.
func (c *Capture) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.closed:
		return Frame{}, ErrClosed
	}
}

// Stop stops the device and releases it
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	if err := c.device.Stop(); err != nil {
		c.logger.Warn("failed to stop capture device", "error", err)
	}
	c.device.Uninit()
	freeContext(c.mctx)
	c.device, c.mctx = nil, nil

	c.bufMu.Lock()
	c.rb.Reset()
	c.overflowed = false
	c.bufMu.Unlock()

	c.logger.Info("audio capture stopped",
		"frames", c.framesCaptured.Load(),
		"overflows", c.overflows.Load(),
	)
}

// CaptureStats contains capture statistics
type CaptureStats struct {
	Device         string `json:"device"`
	Running        bool   `json:"running"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesDropped  uint64 `json:"frames_dropped"`
	Overflows      uint64 `json:"overflows"`
	BytesDropped   uint64 `json:"bytes_dropped"`
}

// Stats returns capture statistics
func (c *Capture) Stats() CaptureStats {
	c.mu.Lock()
	running, name := c.running, c.deviceName
	c.mu.Unlock()

	return CaptureStats{
		Device:         name,
		Running:        running,
		FramesCaptured: c.framesCaptured.Load(),
		FramesDropped:  c.framesDropped.Load(),
		Overflows:      c.overflows.Load(),
		BytesDropped:   c.bytesDropped.Load(),
	}
}

// Close implements Source.
func (c *Capture) Close() error {
	c.Stop()
	c.once.Do(func() { close(c.closed) })
	return nil
}

func malgoFormat(f Format) malgo.FormatType {
	if f == FormatS32 {
		return malgo.FormatS32
	}
	return malgo.FormatS16
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsDefault bool   `json:"is_default"`
}

// ListDevices enumerates capture devices.
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	defer freeContext(mctx)

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, DeviceInfo{
			Index:     i,
			Name:      info.Name(),
			ID:        decodeID(info.ID.String()),
			IsDefault: info.IsDefault == 1,
		})
	}
	return devices, nil
}

// selectDevice returns the device whose name or decoded ID contains want,
// or nil for the backend default when want is empty or "default".
func selectDevice(infos []malgo.DeviceInfo, want string) (*malgo.DeviceInfo, error) {
	if want == "" || want == "default" {
		return nil, nil
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), want) || strings.Contains(decodeID(infos[i].ID.String()), want) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("audio: no capture device matches %q: %w", want, dsp.ErrConfig)
}

// decodeID turns the hex-encoded backend ID (an ALSA "hw:1,0" on Linux)
// into text, falling back to the raw value.
func decodeID(raw string) string {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return raw
	}
	return strings.TrimRight(string(b), "\x00")
}
