package vxdna

import "github.com/lab47/vxdna/pkg/omap"

// Registry is the process-wide table of Devices this renderer fronts
// (C8), keyed by the opaque cookie the VMM chose for each one.
type Registry struct {
	devices *omap.Map[uint64, *Device]
}

func NewRegistry() *Registry {
	return &Registry{devices: omap.New[uint64, *Device]()}
}

// Register adds dev under its own Cookie. A cookie already registered is
// rejected with -EEXIST rather than silently replaced — create_device's
// contract is one Device per cookie.
func (r *Registry) Register(dev *Device) error {
	if !r.devices.InsertNew(dev.Cookie, dev) {
		return NewError(EEXIST, "device cookie %d already registered", dev.Cookie)
	}
	return nil
}

// Lookup finds a previously registered device by cookie.
func (r *Registry) Lookup(cookie uint64) (*Device, bool) {
	return r.devices.Lookup(cookie)
}

// Unregister removes and closes the device for cookie, if present.
func (r *Registry) Unregister(cookie uint64) {
	if dev, ok := r.devices.Erase(cookie); ok {
		dev.Close()
	}
}

// Close tears down every registered device.
func (r *Registry) Close() {
	r.devices.Clear(func(_ uint64, dev *Device) { dev.Close() })
}
