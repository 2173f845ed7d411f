// Package mmio implements the virtio-mmio version-2 register file: the
// magic/version/vendor probe, feature negotiation, per-queue address and
// size registers, the status register (whose STATUS=0 write triggers a
// full device reset), and config-space forwarding.
//
// Grounded field-for-field on original_source/tools/virtio.c's
// virtio_mmio_read/virtio_mmio_write, carrying over every register's exact
// read-only/write-only/forwarding behavior, including the §9 fix to
// INTERRUPT_ACK's clear (bitwise AND-NOT instead of the source's
// logical-not bug).
package mmio

import (
	"github.com/hvisor-tool/virtiod/internal/xlog"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

// Register offsets, virtio-mmio v2 (spec.md §4.3).
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

const (
	MagicValue uint32 = 0x74726976 // "virt"
	Version    uint32 = 2
	VendorID   uint32 = 0x4d564b4c // arbitrary vendor id, matches original_source's placeholder
)

// VIRTIO_MMIO_INT_VRING, set in interrupt_status when a queue completion is
// pending.
const IntVRing uint32 = 1

// VIRTIO_RING_F_EVENT_IDX, the feature bit that switches every queue of a
// device into used/avail-event notification suppression.
const FeatureRingEventIdx = 29

// Regs is the per-device register block (VirtMmioRegs in original_source).
type Regs struct {
	DeviceID uint32

	DevFeature    uint64
	DrvFeature    uint64
	DevFeatureSel uint32
	DrvFeatureSel uint32

	QueueSel uint32

	Status           uint32
	InterruptStatus  uint32
	InterruptCount   uint32
	Generation       uint32
}

// Device is the minimal surface regs.go needs from a device: its register
// block, its queues, and its config space. device.VirtIODevice implements
// this; kept as an interface here so mmio does not import device (device
// imports mmio, not the other way).
type Device interface {
	Regs() *Regs
	Queues() []*virtqueue.VirtQueue
	ConfigSpace() []byte
	Notify(queueIdx uint32)
	Reset()

	// LockRegs/UnlockRegs bracket access to InterruptStatus/InterruptCount,
	// the fields a backend goroutine may update concurrently via
	// MarkInterruptPending.
	LockRegs()
	UnlockRegs()
}

// Read implements a register or config-space read. A nil dev models the
// null-device probe path of original_source's virtio_mmio_read: only
// MAGIC_VALUE/VERSION/VENDOR_ID resolve, everything else reads as zero.
func Read(dev Device, offset uint64, size int) uint64 {
	if dev == nil {
		switch offset {
		case RegMagicValue:
			return uint64(MagicValue)
		case RegVersion:
			return uint64(Version)
		case RegVendorID:
			return uint64(VendorID)
		default:
			return 0
		}
	}

	if offset >= RegConfig {
		return readConfig(dev.ConfigSpace(), offset-RegConfig, size)
	}

	if size != 4 {
		xlog.Warn("mmio: read at offset %#x: non-word size %d, ignoring", offset, size)

		return 0
	}

	regs := dev.Regs()

	switch offset {
	case RegMagicValue:
		return uint64(MagicValue)
	case RegVersion:
		return uint64(Version)
	case RegDeviceID:
		return uint64(regs.DeviceID)
	case RegVendorID:
		return uint64(VendorID)
	case RegDeviceFeatures:
		if regs.DevFeatureSel != 0 {
			return regs.DevFeature >> 32
		}

		return regs.DevFeature & 0xffffffff
	case RegQueueNumMax:
		qs := dev.Queues()
		if int(regs.QueueSel) >= len(qs) {
			return 0
		}

		return uint64(qs[regs.QueueSel].NumMax)
	case RegQueueReady:
		qs := dev.Queues()
		if int(regs.QueueSel) >= len(qs) {
			return 0
		}

		return uint64(qs[regs.QueueSel].Ready)
	case RegInterruptStatus:
		dev.LockRegs()
		defer dev.UnlockRegs()

		if regs.InterruptStatus == 0 {
			xlog.Debug("virtio-mmio-read: interrupt status is 0")
		}

		return uint64(regs.InterruptStatus)
	case RegStatus:
		return uint64(regs.Status)
	case RegConfigGeneration:
		return uint64(regs.Generation)
	default:
		// write-only registers and unknown offsets both read as 0.
		xlog.Warn("mmio: read at unknown or write-only offset %#x, returning 0", offset)

		return 0
	}
}

func readConfig(cfg []byte, offset uint64, size int) uint64 {
	if int(offset)+size > len(cfg) {
		return 0
	}

	var v uint64

	for i := 0; i < size; i++ {
		v |= uint64(cfg[int(offset)+i]) << (8 * i)
	}

	return v
}

// Write implements a register write. offset >= RegConfig is rejected (the
// daemon's config space is read-only to the guest; original_source logs and
// drops it).
func Write(dev Device, offset uint64, value uint64, size int) {
	if dev == nil {
		return
	}

	if offset >= RegConfig {
		xlog.Warn("mmio: write to read-only config space at offset %#x, ignoring", offset)

		return
	}

	if size != 4 {
		xlog.Warn("mmio: write at offset %#x: non-word size %d, ignoring", offset, size)

		return
	}

	regs := dev.Regs()
	qs := dev.Queues()

	switch offset {
	case RegDeviceFeaturesSel:
		regs.DevFeatureSel = boolReg(value)
	case RegDriverFeatures:
		if regs.DrvFeatureSel != 0 {
			regs.DrvFeature |= value << 32
		} else {
			regs.DrvFeature |= value
		}

		if regs.DrvFeature&(1<<FeatureRingEventIdx) != 0 {
			for _, q := range qs {
				q.EventIdxEnabled = true
			}
		}
	case RegDriverFeaturesSel:
		regs.DrvFeatureSel = boolReg(value)
	case RegQueueSel:
		if int(value) < len(qs) {
			regs.QueueSel = uint32(value)
		}
	case RegQueueNum:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].Num = uint32(value)
		}
	case RegQueueReady:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].Ready = uint32(value)
		}
	case RegQueueNotify:
		if int(value) < len(qs) {
			dev.Notify(uint32(value))
		}
	case RegInterruptAck:
		dev.LockRegs()
		defer dev.UnlockRegs()

		v := uint32(value)
		if v == regs.InterruptStatus && regs.InterruptCount > 0 {
			regs.InterruptCount--
			return
		}
		// spec.md §9: bitwise AND-NOT, not the source's `&= !value` bug.
		regs.InterruptStatus &^= v
	case RegStatus:
		regs.Status = uint32(value)
		if regs.Status == 0 {
			dev.Reset()
		}
	case RegQueueDescLow:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].SetDescLow(uint32(value))
		}
	case RegQueueDescHigh:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].SetDescHigh(uint32(value))
		}
	case RegQueueAvailLow:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].SetAvailLow(uint32(value))
		}
	case RegQueueAvailHigh:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].SetAvailHigh(uint32(value))
		}
	case RegQueueUsedLow:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].SetUsedLow(uint32(value))
		}
	case RegQueueUsedHigh:
		if int(regs.QueueSel) < len(qs) {
			qs[regs.QueueSel].SetUsedHigh(uint32(value))
		}
	default:
		// read-only registers (MAGIC_VALUE, VERSION, DEVICE_ID, VENDOR_ID,
		// DEVICE_FEATURES, QUEUE_NUM_MAX, INTERRUPT_STATUS,
		// CONFIG_GENERATION) and unknown offsets are dropped.
		xlog.Warn("mmio: write to read-only or unknown register at offset %#x, ignoring", offset)
	}
}

func boolReg(v uint64) uint32 {
	if v != 0 {
		return 1
	}

	return 0
}
