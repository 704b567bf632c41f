package audioroute

import "sync"

// MemorySwitch is an in-process Switch over a fixed device list. Devices can
// be attached and detached to mimic hot-plugging.
type MemorySwitch struct {
	mu        sync.Mutex
	devices   []Device
	selected  int
	listener  ChangeListener
	activated bool
	running   bool
}

// NewMemorySwitch creates a switch with devices, the first one selected.
func NewMemorySwitch(devices ...Device) *MemorySwitch {
	s := &MemorySwitch{devices: append([]Device(nil), devices...), selected: -1}
	if len(devices) > 0 {
		s.selected = 0
	}
	return s
}

func (s *MemorySwitch) Start(listener ChangeListener) {
	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()
	s.notify()
}

func (s *MemorySwitch) Stop() {
	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.activated = false
	s.mu.Unlock()
}

func (s *MemorySwitch) Activate() {
	s.mu.Lock()
	s.activated = true
	s.mu.Unlock()
}

func (s *MemorySwitch) Deactivate() {
	s.mu.Lock()
	s.activated = false
	s.mu.Unlock()
}

// Activated reports whether call audio is routed.
func (s *MemorySwitch) Activated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activated
}

func (s *MemorySwitch) AvailableDevices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Device(nil), s.devices...)
}

func (s *MemorySwitch) SelectDevice(d Device) error {
	s.mu.Lock()
	i := indexOf(s.devices, d)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownDevice
	}
	s.selected = i
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemorySwitch) SelectedDevice() *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected < 0 {
		return nil
	}
	d := s.devices[s.selected]
	return &d
}

// Attach adds a device and selects it, as the platform does for a newly
// connected headset.
func (s *MemorySwitch) Attach(d Device) {
	s.mu.Lock()
	if indexOf(s.devices, d) < 0 {
		s.devices = append(s.devices, d)
	}
	s.selected = indexOf(s.devices, d)
	s.mu.Unlock()
	s.notify()
}

// Detach removes a device, falling back to the first remaining one.
func (s *MemorySwitch) Detach(d Device) {
	s.mu.Lock()
	i := indexOf(s.devices, d)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	var sel *Device
	if s.selected >= 0 {
		cur := s.devices[s.selected]
		sel = &cur
	}
	s.devices = append(s.devices[:i], s.devices[i+1:]...)
	switch {
	case len(s.devices) == 0:
		s.selected = -1
	case sel != nil && *sel != d:
		s.selected = indexOf(s.devices, *sel)
	default:
		s.selected = 0
	}
	s.mu.Unlock()
	s.notify()
}

func (s *MemorySwitch) notify() {
	s.mu.Lock()
	l := s.listener
	running := s.running
	devs := append([]Device(nil), s.devices...)
	var sel *Device
	if s.selected >= 0 {
		d := s.devices[s.selected]
		sel = &d
	}
	s.mu.Unlock()
	if running && l != nil {
		l(devs, sel)
	}
}
