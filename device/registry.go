package device

import "sync"

// Registry is the process-wide set of declared devices (vdevs[] in
// original_source), looked up by (zone, address) on every mailbox request.
type Registry struct {
	mu      sync.RWMutex
	devices []*VirtIODevice
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a device, returning its index for mmio_addrs publication.
func (r *Registry) Add(d *VirtIODevice) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = append(r.devices, d)

	return len(r.devices) - 1
}

// All returns every registered device, in declaration order — the order
// bridge.PublishMMIOAddr must publish them in.
func (r *Registry) All() []*VirtIODevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*VirtIODevice, len(r.devices))
	copy(out, r.devices)

	return out
}

// Lookup finds the device owning gpaddr within zoneID's address space, and
// the byte offset of gpaddr within that device's MMIO window.
func (r *Registry) Lookup(zoneID uint32, gpaddr uint64) (*VirtIODevice, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.InRange(zoneID, gpaddr) {
			return d, gpaddr - d.Base, true
		}
	}

	return nil, 0, false
}

// Close tears every device's backend down, in registration order, and
// collects the first error encountered (each backend's resources are still
// released even if an earlier one failed).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error

	for _, d := range r.devices {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
