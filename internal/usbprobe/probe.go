// Package usbprobe checks that the USB microphone array is attached
package usbprobe

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gousb"
)

// XMOS XVF3800 (ReSpeaker USB array) identifiers
const (
	DefaultVendorID  = 0x38FB
	DefaultProductID = 0x1001
)

// Config selects the device to look for
type Config struct {
	VendorID  uint16
	ProductID uint16
}

// DefaultConfig returns the XVF3800 identifiers
func DefaultConfig() Config {
	return Config{VendorID: DefaultVendorID, ProductID: DefaultProductID}
}

// Device describes a matched USB device
type Device struct {
	Bus          int    `json:"bus"`
	Address      int    `json:"address"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	Serial       string `json:"serial,omitempty"`
}

// enumerator lists devices matching a VID/PID pair.
type enumerator func(vid, pid gousb.ID) ([]Device, error)

// Probe looks for the configured device on each Check.
type Probe struct {
	cfg    Config
	logger *slog.Logger
	list   enumerator

	mu      sync.Mutex
	present bool
	checked bool
}

// New creates a probe backed by libusb
func New(cfg Config, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{cfg: cfg, logger: logger, list: listUSB}
}

// Find returns every attached device matching the configured VID/PID
func (p *Probe) Find() ([]Device, error) {
	return p.list(gousb.ID(p.cfg.VendorID), gousb.ID(p.cfg.ProductID))
}

// Check matches health.Probe. Presence changes are logged once.
func (p *Probe) Check() (bool, string) {
	id := fmt.Sprintf("%04x:%04x", p.cfg.VendorID, p.cfg.ProductID)

	devs, err := p.Find()
	present := err == nil && len(devs) > 0

	p.mu.Lock()
	changed := !p.checked || present != p.present
	p.present, p.checked = present, true
	p.mu.Unlock()

	switch {
	case err != nil:
		if changed {
			p.logger.Warn("usb probe failed", "device", id, "error", err)
		}
		return false, fmt.Sprintf("usb enumeration failed: %v", err)
	case !present:
		if changed {
			p.logger.Warn("usb device missing", "device", id)
		}
		return false, fmt.Sprintf("%s not attached", id)
	}

	d := devs[0]
	if changed {
		p.logger.Info("usb device present",
			"device", id,
			"bus", d.Bus,
			"address", d.Address,
			"product", d.Product,
		)
	}
	if d.Product != "" {
		return true, fmt.Sprintf("%s %s on bus %d", id, d.Product, d.Bus)
	}
	return true, fmt.Sprintf("%s on bus %d", id, d.Bus)
}

func listUSB(vid, pid gousb.ID) ([]Device, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && desc.Product == pid
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	// OpenDevices may return matches alongside an error for devices it
	// could not open; those that did open are still reported.
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usbprobe: open devices: %w", err)
	}

	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		info := Device{Bus: d.Desc.Bus, Address: d.Desc.Address}
		info.Manufacturer, _ = d.Manufacturer()
		info.Product, _ = d.Product()
		info.Serial, _ = d.SerialNumber()
		out = append(out, info)
	}
	return out, nil
}
