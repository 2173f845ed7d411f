// Package device implements the virtio device model: the per-device state
// (registers, queues, config space, back-end), and the process-wide
// registry devices are looked up in by (zone, address) when a request
// arrives off the mailbox.
//
// Adapted from bobuhiro11-gokvm's device/device.go IODevice interface
// (Read/Write/Size on a bus-attached device) and from
// original_source/tools/virtio.c's struct virtio_device and
// create_virtio_device/virtio_handle_req.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hvisor-tool/virtiod/gpa"
	"github.com/hvisor-tool/virtiod/internal/xlog"
	"github.com/hvisor-tool/virtiod/mmio"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

var ErrUnknownDevice = errors.New("device: no device registered at this address")

// Type identifies a virtio device class.
type Type uint32

const (
	TypeBlock  Type = 2
	TypeConsole Type = 3
	TypeNet    Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeNet:
		return "net"
	case TypeBlock:
		return "blk"
	case TypeConsole:
		return "console"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// Backend is implemented by each device class (backend/blk, backend/net,
// backend/console): it handles queue notifications and produces the
// device's config space, and releases any host resources on teardown.
type Backend interface {
	// Notify is invoked when the guest writes QUEUE_NOTIFY for a queue
	// this backend owns; it walks the queue's descriptor chains, publishes
	// completions, and raises an interrupt through dev's injector.
	Notify(dev *VirtIODevice, vq *virtqueue.VirtQueue) error

	// ConfigSpace returns the device's virtio config-space bytes
	// (little-endian, no implicit padding), read via MMIO offset 0x100+.
	ConfigSpace() []byte

	// Close releases host-side resources (open files, tap fds, ptys).
	Close() error
}

// IRQInjector raises a guest interrupt for one of a device's virtqueues.
// Satisfied by *dispatch.Dispatcher; declared here (rather than imported)
// so device does not depend on dispatch.
type IRQInjector interface {
	InjectIRQ(dev *VirtIODevice, vqIdx uint32) error
}

// VirtIODevice is one declared device: its identity, its MMIO range, its
// queues, and the class-specific backend. It implements mmio.Device.
type VirtIODevice struct {
	Type    Type
	ZoneID  uint32
	Base    uint64
	Len     uint64
	IRQID   uint32

	regs   mmio.Regs
	regsMu sync.Mutex // guards regs.InterruptStatus/InterruptCount against concurrent injectors
	vqs    []*virtqueue.VirtQueue

	backend  Backend
	injector IRQInjector
}

// SetIRQInjector binds the device to its dispatcher, once the dispatcher
// (which needs the registry fully populated) has been constructed.
func (d *VirtIODevice) SetIRQInjector(inj IRQInjector) { d.injector = inj }

// SetBackend attaches the class-specific backend after construction, for
// backends (net, console) whose own Open needs a *VirtIODevice to start an
// RX goroutine against before a backend value exists to pass into New.
func (d *VirtIODevice) SetBackend(backend Backend) { d.backend = backend }

// InjectIRQ raises an interrupt for vqIdx through the bound injector; a
// no-op if none has been set yet (e.g. in backend unit tests).
func (d *VirtIODevice) InjectIRQ(vqIdx uint32) error {
	if d.injector == nil {
		return nil
	}

	return d.injector.InjectIRQ(d, vqIdx)
}

// New builds a device with numQueues virtqueues, each with the given
// maximum queue size.
func New(typ Type, zoneID uint32, base, length uint64, irqID uint32, numQueues int, queueNumMax uint32, mem *gpa.Window, backend Backend) *VirtIODevice {
	vqs := make([]*virtqueue.VirtQueue, numQueues)
	for i := range vqs {
		vqs[i] = virtqueue.New(uint32(i), queueNumMax, mem)
	}

	return &VirtIODevice{
		Type:    typ,
		ZoneID:  zoneID,
		Base:    base,
		Len:     length,
		IRQID:   irqID,
		regs:    mmio.Regs{DeviceID: uint32(typ)},
		vqs:     vqs,
		backend: backend,
	}
}

// InRange reports whether gpaddr falls within this device's declared MMIO
// window, the lookup original_source's virtio_handle_req performs by
// src_zone and address.
func (d *VirtIODevice) InRange(zoneID uint32, gpaddr uint64) bool {
	return d.ZoneID == zoneID && gpaddr >= d.Base && gpaddr < d.Base+d.Len
}

func (d *VirtIODevice) Regs() *mmio.Regs               { return &d.regs }

// LockRegs/UnlockRegs guard interrupt_status/interrupt_count, the only
// register fields touched by both the single-threaded dispatch loop
// (INTERRUPT_STATUS read, INTERRUPT_ACK write) and backend goroutines
// publishing completions (MarkInterruptPending) concurrently.
func (d *VirtIODevice) LockRegs()   { d.regsMu.Lock() }
func (d *VirtIODevice) UnlockRegs() { d.regsMu.Unlock() }
func (d *VirtIODevice) Queues() []*virtqueue.VirtQueue { return d.vqs }
func (d *VirtIODevice) ConfigSpace() []byte            { return d.backend.ConfigSpace() }

// Notify dispatches a QUEUE_NOTIFY write to the backend for the selected
// queue.
func (d *VirtIODevice) Notify(queueIdx uint32) {
	if int(queueIdx) >= len(d.vqs) {
		return
	}

	if err := d.backend.Notify(d, d.vqs[queueIdx]); err != nil {
		xlog.Warn("device: %s@%#x queue %d notify failed: %v", d.Type, d.Base, queueIdx, err)
	}
}

// Reset implements virtio_dev_reset: every queue is reset except vq_idx and
// queue_num_max, and interrupt bookkeeping is cleared.
func (d *VirtIODevice) Reset() {
	for _, q := range d.vqs {
		q.Reset()
	}

	d.regs.Status = 0
	d.regs.InterruptStatus = 0
	d.regs.InterruptCount = 0
	d.regs.DevFeatureSel = 0
	d.regs.DrvFeatureSel = 0
	d.regs.DrvFeature = 0
}

// Close releases the backend's host resources.
func (d *VirtIODevice) Close() error {
	return d.backend.Close()
}

// MarkInterruptPending sets INT_VRING in interrupt_status and bumps
// interrupt_count, under the same lock INTERRUPT_ACK reads them back
// through — the Go equivalent of original_source's RES_MUTEX-protected
// update in virtio_inject_irq.
func (d *VirtIODevice) MarkInterruptPending() {
	d.regsMu.Lock()
	defer d.regsMu.Unlock()

	d.regs.InterruptStatus |= mmio.IntVRing
	d.regs.InterruptCount++
}
