// Package audioroute selects and activates the audio device used for call media.
package audioroute

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownDevice is returned when selecting a device the switch does not report.
var ErrUnknownDevice = errors.New("audioroute: unknown device")

// Kind is the capability class of an audio device.
type Kind int

const (
	Earpiece Kind = iota
	Speakerphone
	BluetoothHeadset
	WiredHeadset
)

func (k Kind) String() string {
	switch k {
	case Earpiece:
		return "earpiece"
	case Speakerphone:
		return "speaker"
	case BluetoothHeadset:
		return "bluetooth"
	case WiredHeadset:
		return "wired"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earpiece":
		return Earpiece, nil
	case "speaker", "speakerphone":
		return Speakerphone, nil
	case "bluetooth":
		return BluetoothHeadset, nil
	case "wired", "wired_headset":
		return WiredHeadset, nil
	}
	return 0, fmt.Errorf("unknown audio device kind %q", s)
}

// Device is an audio route reported by the platform.
type Device struct {
	Name string
	Kind Kind
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Kind)
}

// ChangeListener is told about device set changes.
type ChangeListener func(devices []Device, selected *Device)

// Switch is the platform audio switching capability.
type Switch interface {
	Start(listener ChangeListener)
	Stop()
	Activate()
	Deactivate()
	AvailableDevices() []Device
	SelectDevice(d Device) error
	SelectedDevice() *Device
}

// Router is the call-facing view of a Switch.
type Router struct {
	sw  Switch
	log logrus.FieldLogger

	mu     sync.Mutex
	active bool
}

// NewRouter wraps sw. A nil log falls back to the standard logger.
func NewRouter(sw Switch, log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.WithField("name", "audio")
	}
	return &Router{sw: sw, log: log}
}

// Start begins device monitoring.
func (r *Router) Start(listener ChangeListener) {
	r.sw.Start(listener)
}

// Activate routes call audio through the selected device.
func (r *Router) Activate() {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
	r.sw.Activate()
	r.log.Debugf("audio route activated on %v", r.sw.SelectedDevice())
}

// Deactivate releases the call audio route.
func (r *Router) Deactivate() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	r.sw.Deactivate()
	r.log.Debug("audio route deactivated")
}

// Stop ends device monitoring.
func (r *Router) Stop() {
	r.sw.Stop()
	r.log.Debug("audio route stopped")
}

// Active reports whether the route is currently activated.
func (r *Router) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Devices returns a copy of the available devices.
func (r *Router) Devices() []Device {
	devs := r.sw.AvailableDevices()
	out := make([]Device, len(devs))
	copy(out, devs)
	return out
}

// Select asks the switch to use d.
func (r *Router) Select(d Device) error {
	if indexOf(r.sw.AvailableDevices(), d) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, d)
	}
	if err := r.sw.SelectDevice(d); err != nil {
		return fmt.Errorf("select %s: %w", d, err)
	}
	r.log.Infof("audio device selected: %s", d)
	return nil
}

// Selected returns the selected device, or nil if none.
func (r *Router) Selected() *Device {
	return r.sw.SelectedDevice()
}

// SelectedIndex returns the position of the selected device in Devices, or -1.
func (r *Router) SelectedIndex() int {
	sel := r.sw.SelectedDevice()
	if sel == nil {
		return -1
	}
	return indexOf(r.sw.AvailableDevices(), *sel)
}

func indexOf(devs []Device, d Device) int {
	for i, dev := range devs {
		if dev == d {
			return i
		}
	}
	return -1
}
