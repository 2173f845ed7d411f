// Package bridge owns the /dev/hvisor character device and the shared
// VirtioBridge mailbox mapped from it: the SPSC request/response rings, the
// per-CPU config-read completion slots, and the mmio_addrs/mmio_avail/
// need_wakeup publication fields (spec.md §3, §6).
//
// Grounded on bobuhiro11-gokvm's kvm/kvm.go for the raw ioctl/mmap pattern
// (syscall.Syscall(SYS_IOCTL, ...), syscall.Mmap with PROT_READ|PROT_WRITE,
// MAP_SHARED) and on original_source/tools/virtio.c's virtio_init,
// virtio_close and the req_list/res_list/cfg_values/cfg_flags/mmio_addrs
// layout it mmaps from the kernel module.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Platform configuration constants. original_source treats these as
// build-time constants shared with the kernel module; spec.md §6 leaves
// their numeric values to platform configuration, so they are exported
// vars rather than untyped consts, overridable by cmd/virtiod for
// alternate kernel builds.
var (
	MaxReq            uint32 = 1024
	MaxCPU            uint32 = 8
	MaxDevs           uint32 = 16
	NonRootPhysStart  uint64 = 0x50000000
	NonRootPhysSize   uint64 = 0x10000000
	bridgeMmapSize           = 1 << 20 // one page-aligned region, generously sized for the struct below
)

const (
	devicePath = "/dev/hvisor"

	// ioctl request numbers, matching the kernel module's char-device ABI.
	ioctlInitVirtio  = 0x1
	ioctlFinishReq   = 0x2
)

var ErrClosed = errors.New("bridge: already closed")

// DeviceReq mirrors struct device_req from original_source/tools/virtio.c:
// produced by the kernel, consumed by the daemon.
type DeviceReq struct {
	SrcCPU        uint64
	SrcZone       uint32
	Address       uint64
	Size          uint32
	Value         uint64
	IsWrite       uint8
	NeedInterrupt uint8
}

// DeviceRes mirrors struct device_res: produced by the daemon, consumed by
// the kernel.
type DeviceRes struct {
	TargetZone uint32
	IRQID      uint32
}

const (
	// deviceReqWire is one req_list slot's stride: fields packed back to
	// back with no implicit padding between them (spec.md §9), then padded
	// out to an 8-byte boundary for the next slot. PopReq reads each field
	// at its packed offset directly; see the field comment there.
	deviceReqWire = 8 + 4 + 8 + 4 + 8 + 1 + 1 + 6 // 34 bytes of fields + 6 trailing pad = 40
	deviceResWire = 4 + 4                         // 8 bytes
)

// Bridge is the open mailbox: the mmap'd VirtioBridge region plus the
// mmap'd non-root guest-physical window.
type Bridge struct {
	fd *os.File

	mbox   []byte // mmap of the VirtioBridge struct region
	window []byte // mmap of [NonRootPhysStart, NonRootPhysStart+NonRootPhysSize)

	l mailboxLayout

	resMu sync.Mutex // RES_MUTEX: serializes producers of res_list

	closed uint32
}

// mailboxLayout lays the mailbox fields out back to back in the order
// original_source declares them in struct virtio_bridge. Every field used
// with sync/atomic is placed on a 4-byte boundary up front, so there is no
// later re-aligning of a narrower on-wire field.
type mailboxLayout struct {
	reqList, resList                     uint64
	reqFront, reqRear, resFront, resRear uint64
	cfgVals, cfgFlags                    uint64
	mmioAddr, mmioAvail, needWakeup      uint64
	total                                uint64
}

func layout() mailboxLayout {
	var l mailboxLayout

	off := uint64(0)

	l.reqList = off
	off += uint64(MaxReq) * deviceReqWire

	l.resList = off
	off += uint64(MaxReq) * deviceResWire

	off = align(off, 4)
	l.reqFront = off
	off += 4
	l.reqRear = off
	off += 4

	l.resFront = off
	off += 4
	l.resRear = off
	off += 4

	l.cfgVals = off
	off += uint64(MaxCPU) * 8

	l.cfgFlags = off
	off += uint64(MaxCPU) * 4

	l.mmioAddr = off
	off += uint64(MaxDevs) * 8

	off = align(off, 4)
	l.mmioAvail = off
	off += 4

	l.needWakeup = off
	off += 4

	l.total = align(off, 8)

	return l
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Open opens /dev/hvisor, issues the one-time INIT_VIRTIO ioctl, and maps
// both the mailbox region and the non-root physical window, in the same
// two-mmap order as virtio_init: bridge first, guest memory window second.
func Open() (*Bridge, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge: open %s: %w", devicePath, err)
	}

	if err := ioctl(f.Fd(), ioctlInitVirtio, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("bridge: INIT_VIRTIO: %w", err)
	}

	l := layout()
	if l.total > uint64(bridgeMmapSize) {
		bridgeMmapSize = int(align(l.total, 4096))
	}

	mbox, err := syscall.Mmap(int(f.Fd()), 0, bridgeMmapSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bridge: mmap mailbox: %w", err)
	}

	window, err := syscall.Mmap(int(f.Fd()), int64(NonRootPhysStart), int(NonRootPhysSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Munmap(mbox)
		f.Close()
		return nil, fmt.Errorf("bridge: mmap guest window: %w", err)
	}

	b := &Bridge{
		fd:     f,
		mbox:   mbox,
		window: window,
		l:      l,
	}

	return b, nil
}

// Close tears the mailbox down in the reverse order it was built: unmap
// both regions, close the fd. Matches virtio_close's teardown order.
func (b *Bridge) Close() error {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return ErrClosed
	}

	var firstErr error

	if err := syscall.Munmap(b.window); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := syscall.Munmap(b.mbox); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := b.fd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Window returns the mapped guest-physical memory region, for gpa.New.
func (b *Bridge) Window() []byte { return b.window }

// NewForTest builds a Bridge over a plain in-memory buffer plus a caller
// supplied guest window, bypassing Open's /dev/hvisor ioctl/mmap so package
// dispatch's tests can drive a Dispatcher without a real kernel module.
// The returned Bridge's Close must not be called: its fd is nil.
func NewForTest(window []byte) *Bridge {
	l := layout()

	return &Bridge{mbox: make([]byte, l.total+4096), window: window, l: l}
}

// ResRearForTest exposes resRear for cross-package tests (package dispatch)
// that cannot reach the unexported ring-index accessors directly.
func (b *Bridge) ResRearForTest() uint32 { return b.resRear() }

// CfgFlagSetForTest reports whether cfg_flags[cpu] is set, for tests
// asserting PublishConfig's effect without reaching into the mailbox layout.
func (b *Bridge) CfgFlagSetForTest(cpu uint32) bool {
	off := b.l.cfgFlags + uint64(cpu)*4
	return binary.LittleEndian.Uint32(b.mbox[off:off+4]) == 1
}

func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

// FinishReq signals the kernel that a new response has been published to
// res_list (the HVISOR_FINISH_REQ ioctl).
func (b *Bridge) FinishReq() error {
	if b.fd == nil {
		// NewForTest builds a Bridge with no backing device; nothing to
		// signal.
		return nil
	}

	return ioctl(b.fd.Fd(), ioctlFinishReq, 0)
}

// --- request ring (kernel producer, daemon consumer) --------------------

func (b *Bridge) reqFront() uint32 { return binary.LittleEndian.Uint32(b.mbox[b.l.reqFront:]) }
func (b *Bridge) setReqFront(v uint32) {
	atomic.StoreUint32((*uint32)(b.ptr(b.l.reqFront)), v)
}

func (b *Bridge) reqRear() uint32 { return atomic.LoadUint32((*uint32)(b.ptr(b.l.reqRear))) }

func (b *Bridge) resFront() uint32 { return atomic.LoadUint32((*uint32)(b.ptr(b.l.resFront))) }

func (b *Bridge) resRear() uint32 { return binary.LittleEndian.Uint32(b.mbox[b.l.resRear:]) }
func (b *Bridge) setResRear(v uint32) {
	atomic.StoreUint32((*uint32)(b.ptr(b.l.resRear)), v)
}

func (b *Bridge) ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&b.mbox[off])
}

// ReqEmpty reports whether req_front has caught up with req_rear.
func (b *Bridge) ReqEmpty() bool {
	return b.reqFront() == b.reqRear()
}

// PopReq reads the request at req_front without yet advancing it; the
// caller advances via AdvanceReq once fully processed, matching the
// handle_virtio_requests loop which advances req_front only after the
// request has been dispatched.
func (b *Bridge) PopReq() DeviceReq {
	idx := b.reqFront() & (MaxReq - 1)
	off := b.l.reqList + uint64(idx)*deviceReqWire
	buf := b.mbox[off:]

	// Packed field offsets: SrcCPU 0:8, SrcZone 8:12, Address 12:20,
	// Size 20:24, Value 24:32, IsWrite 32, NeedInterrupt 33 — no gaps.
	return DeviceReq{
		SrcCPU:        binary.LittleEndian.Uint64(buf[0:8]),
		SrcZone:       binary.LittleEndian.Uint32(buf[8:12]),
		Address:       binary.LittleEndian.Uint64(buf[12:20]),
		Size:          binary.LittleEndian.Uint32(buf[20:24]),
		Value:         binary.LittleEndian.Uint64(buf[24:32]),
		IsWrite:       buf[32],
		NeedInterrupt: buf[33],
	}
}

// AdvanceReq advances req_front by one, with the release fence spec.md §5
// requires before the kernel is allowed to reuse the slot.
func (b *Bridge) AdvanceReq() {
	b.setReqFront(b.reqFront() + 1)
}

// --- response ring (daemon producer, kernel consumer) --------------------

// ResFull reports whether the response ring has no free slot, used by the
// interrupt injector's spin-wait (is_queue_full in original_source).
func (b *Bridge) ResFull() bool {
	return b.resRear()-b.resFront() >= MaxReq
}

// PushRes publishes one response under the response-ring mutex and
// advances res_rear, with the ordering virtio_inject_irq requires: the
// element is written strictly before res_rear is advanced.
func (b *Bridge) PushRes(res DeviceRes) {
	b.resMu.Lock()
	defer b.resMu.Unlock()

	idx := b.resRear() & (MaxReq - 1)
	off := b.l.resList + uint64(idx)*deviceResWire
	buf := b.mbox[off:]

	binary.LittleEndian.PutUint32(buf[0:4], res.TargetZone)
	binary.LittleEndian.PutUint32(buf[4:8], res.IRQID)

	b.setResRear(b.resRear() + 1)
}

// --- per-CPU config-read completion slots --------------------------------

// PublishConfig writes cfg_values[cpu] then increments cfg_flags[cpu], each
// under its own release fence, so the kernel's polling reader observes the
// value before the flag (spec.md §4.3).
func (b *Bridge) PublishConfig(cpu uint32, value uint64) {
	valOff := b.l.cfgVals + uint64(cpu)*8
	binary.LittleEndian.PutUint64(b.mbox[valOff:], value)

	flagOff := b.l.cfgFlags + uint64(cpu)*4
	atomic.AddUint32((*uint32)(b.ptr(flagOff)), 1)
}

// --- mmio_addrs / mmio_avail / need_wakeup -------------------------------

// PublishMMIOAddr records one device's base address at slot i, for the
// kernel's address-range fast path. Must be called for every declared
// device before SetMMIOAvail.
func (b *Bridge) PublishMMIOAddr(i uint32, addr uint64) {
	off := b.l.mmioAddr + uint64(i)*8
	binary.LittleEndian.PutUint64(b.mbox[off:], addr)
}

// SetMMIOAvail flips mmio_avail once every device's address has been
// published, with the release fence the kernel's probe loop depends on.
func (b *Bridge) SetMMIOAvail() {
	atomic.StoreUint32((*uint32)(b.ptr(b.l.mmioAvail)), 1)
}

// SetNeedWakeup toggles need_wakeup, the flag the kernel consults to decide
// whether to raise SIGHVI.
func (b *Bridge) SetNeedWakeup(v bool) {
	var iv uint32
	if v {
		iv = 1
	}

	atomic.StoreUint32((*uint32)(b.ptr(b.l.needWakeup)), iv)
}
