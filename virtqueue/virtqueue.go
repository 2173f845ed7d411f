// Package virtqueue implements the descriptor-chain walker, used-ring
// publisher, and notification-suppression logic of the virtio transport
// (spec §4.2). It has no knowledge of devices, registers, or the mailbox —
// it only knows how to read/write one virtqueue's rings inside a guest
// memory window.
//
// Grounded on the ring layout in bobuhiro11-gokvm's virtio/net.go VirtQueue
// struct and on original_source/tools/virtio.c's process_descriptor_chain,
// update_used_ring, virtqueue_{disable,enable}_notify and virtio_inject_irq,
// which this package follows field-for-field and bug-for-bug-except where
// spec.md §9 explicitly overrides a source bug.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hvisor-tool/virtiod/gpa"
)

// Descriptor flags (virtio 1.x wire format).
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

// Ring flags.
const (
	AvailFNoInterrupt uint16 = 1
	UsedFNoNotify     uint16 = 1
)

var (
	ErrChainTooLong     = errors.New("virtqueue: descriptor chain longer than num")
	ErrBadIndirectLen   = errors.New("virtqueue: indirect table length mismatch")
	ErrNestedIndirect   = errors.New("virtqueue: nested indirect descriptor")
	ErrQueueNotReady    = errors.New("virtqueue: rings not resolved")
	ErrNumNotPowerOfTwo = errors.New("virtqueue: num must be a power of two")
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// SGEntry is one scatter-gather slot produced by Walk: a host-virtual-memory
// slice plus whether the descriptor it came from was writable by the device.
type SGEntry struct {
	Data     []byte
	Writable bool
}

// Chain is the result of one descriptor-chain walk.
type Chain struct {
	Head uint16
	SG   []SGEntry
}

// VirtQueue is one virtio queue: descriptor table, avail ring, used ring,
// plus the cursor state and notification-suppression bits spec.md §3
// assigns to VirtQueue. mem resolves guest-physical addresses; it is shared
// by every queue of every device (one non-root zone window per daemon
// instance is assumed, matching the single NON_ROOT_PHYS_START/_SIZE pair
// of spec.md §6).
type VirtQueue struct {
	VQIdx  uint32
	NumMax uint32

	Num   uint32
	Ready uint32 // 0 or 1; kept as uint32 to mirror the mmio register width

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	LastAvailIdx uint16
	LastUsedIdx  uint16

	EventIdxEnabled bool

	mem *gpa.Window

	usedMu sync.Mutex
}

// New creates a virtqueue bound to the given index and maximum queue size.
// NumMax and VQIdx are exactly the fields spec.md §4.2 says survive a
// STATUS=0 reset.
func New(idx uint32, numMax uint32, mem *gpa.Window) *VirtQueue {
	return &VirtQueue{VQIdx: idx, NumMax: numMax, mem: mem}
}

// Reset zeros every field except vq_idx, queue_num_max, and the memory
// window back-reference, matching virtqueue_reset in original_source.
func (vq *VirtQueue) Reset() {
	idx, numMax, mem := vq.VQIdx, vq.NumMax, vq.mem
	*vq = VirtQueue{VQIdx: idx, NumMax: numMax, mem: mem}
}

// SetDescLow/SetDescHigh, SetAvailLow/SetAvailHigh and SetUsedLow/SetUsedHigh
// OR-combine the two 32-bit halves of a queue address register, per
// spec.md §4.2. The caller (the mmio register file) is responsible for
// calling the Low write before the High write, as required by spec.md §8's
// round-trip law.
func (vq *VirtQueue) SetDescLow(v uint32)  { vq.DescAddr |= uint64(v) }
func (vq *VirtQueue) SetDescHigh(v uint32) { vq.DescAddr |= uint64(v) << 32 }

func (vq *VirtQueue) SetAvailLow(v uint32)  { vq.AvailAddr |= uint64(v) }
func (vq *VirtQueue) SetAvailHigh(v uint32) { vq.AvailAddr |= uint64(v) << 32 }

func (vq *VirtQueue) SetUsedLow(v uint32)  { vq.UsedAddr |= uint64(v) }
func (vq *VirtQueue) SetUsedHigh(v uint32) { vq.UsedAddr |= uint64(v) << 32 }

// IsEmpty reports whether the avail ring has no new chain for the daemon to
// consume yet.
func (vq *VirtQueue) IsEmpty() bool {
	return vq.LastAvailIdx == vq.availIdx()
}

// --- raw ring access -------------------------------------------------

// releaseFence and acquireFence mark the ordering points spec.md §5 requires
// explicit memory fences at. On amd64 (TSO) they are no-ops; on ARM64/
// RISC-V64 a production build of this daemon would lower these to the
// architecture's dmb/fence instructions (this is the one place in the core
// where the Go translation is deliberately narrower than the C original —
// see DESIGN.md).
func releaseFence() {}
func acquireFence() {}

func (vq *VirtQueue) descBytes(n uint16) ([]byte, error) {
	addr := vq.DescAddr + uint64(n)*descSize

	return vq.mem.Slice(addr, descSize)
}

func (vq *VirtQueue) desc(n uint16) (addr uint64, length uint32, flags uint16, next uint16, err error) {
	b, err := vq.descBytes(n)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	addr = binary.LittleEndian.Uint64(b[0:8])
	length = binary.LittleEndian.Uint32(b[8:12])
	flags = binary.LittleEndian.Uint16(b[12:14])
	next = binary.LittleEndian.Uint16(b[14:16])

	return addr, length, flags, next, nil
}

func (vq *VirtQueue) indirectDesc(tableAddr uint64, n uint16) (addr uint64, length uint32, flags uint16, next uint16, err error) {
	b, err := vq.mem.Slice(tableAddr+uint64(n)*descSize, descSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	addr = binary.LittleEndian.Uint64(b[0:8])
	length = binary.LittleEndian.Uint32(b[8:12])
	flags = binary.LittleEndian.Uint16(b[12:14])
	next = binary.LittleEndian.Uint16(b[14:16])

	return addr, length, flags, next, nil
}

func (vq *VirtQueue) availFlags() uint16 {
	b, err := vq.mem.Slice(vq.AvailAddr, 2)
	if err != nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

func (vq *VirtQueue) availIdx() uint16 {
	b, err := vq.mem.Slice(vq.AvailAddr+2, 2)
	if err != nil {
		return vq.LastAvailIdx
	}

	acquireFence()

	return binary.LittleEndian.Uint16(b)
}

func (vq *VirtQueue) availRingEntry(slot uint16) (uint16, error) {
	b, err := vq.mem.Slice(vq.AvailAddr+4+uint64(slot)*2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// usedEvent reads the driver-written used_event field at the tail of the
// avail ring, consulted by ShouldInterrupt when EVENT_IDX is negotiated.
func (vq *VirtQueue) usedEvent() uint16 {
	off := vq.AvailAddr + 4 + uint64(vq.Num)*2
	b, err := vq.mem.Slice(off, 2)

	if err != nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

func (vq *VirtQueue) usedFlagsIdxWord() (*uint32, error) {
	b, err := vq.mem.Slice(vq.UsedAddr, 4)
	if err != nil {
		return nil, err
	}
	//nolint:gosec // the used ring is required by virtio-mmio to be 4-byte aligned.
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

func (vq *VirtQueue) usedFlags() uint16 {
	w, err := vq.usedFlagsIdxWord()
	if err != nil {
		return 0
	}

	return uint16(atomic.LoadUint32(w))
}

func (vq *VirtQueue) usedIdx() uint16 {
	w, err := vq.usedFlagsIdxWord()
	if err != nil {
		return vq.LastUsedIdx
	}

	return uint16(atomic.LoadUint32(w) >> 16)
}

func (vq *VirtQueue) setUsedFlags(flags uint16) {
	w, err := vq.usedFlagsIdxWord()
	if err != nil {
		return
	}

	for {
		old := atomic.LoadUint32(w)
		newv := uint32(flags) | (old &^ 0xffff)

		if atomic.CompareAndSwapUint32(w, old, newv) {
			return
		}
	}
}

func (vq *VirtQueue) setUsedIdx(idx uint16) {
	w, err := vq.usedFlagsIdxWord()
	if err != nil {
		return
	}

	for {
		old := atomic.LoadUint32(w)
		newv := (uint32(idx) << 16) | (old & 0xffff)

		if atomic.CompareAndSwapUint32(w, old, newv) {
			return
		}
	}
}

func (vq *VirtQueue) setUsedElem(slot uint16, id uint32, length uint32) error {
	off := vq.UsedAddr + 4 + uint64(slot)*8
	b, err := vq.mem.Slice(off, 8)

	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b[0:4], id)
	binary.LittleEndian.PutUint32(b[4:8], length)

	return nil
}

// setAvailEvent writes the device-owned avail_event field at the tail of the
// used ring, consumed by the driver to decide whether a kick is needed.
func (vq *VirtQueue) setAvailEvent(v uint16) {
	off := vq.UsedAddr + 4 + uint64(vq.Num)*8
	b, err := vq.mem.Slice(off, 2)

	if err != nil {
		return
	}

	binary.LittleEndian.PutUint16(b, v)
}

// --- descriptor chain walk --------------------------------------------

// Walk pulls the next available descriptor chain, if any, producing a
// scatter-gather vector with appendLen extra empty trailing slots for
// back-ends that prepend/append their own header buffers (spec §4.2 step 4).
// A nil Chain with a nil error means the queue was empty.
func (vq *VirtQueue) Walk(appendLen int) (*Chain, error) {
	if vq.Num == 0 || (vq.Num&(vq.Num-1)) != 0 {
		return nil, ErrNumNotPowerOfTwo
	}

	if vq.IsEmpty() {
		return nil, nil
	}

	slot := vq.LastAvailIdx & uint16(vq.Num-1)
	vq.LastAvailIdx++

	head, err := vq.availRingEntry(slot)
	if err != nil {
		return nil, err
	}

	chainLen, err := vq.countChain(head)
	if err != nil {
		return nil, err
	}

	sg := make([]SGEntry, chainLen+appendLen)

	if err := vq.fillChain(head, sg); err != nil {
		return nil, err
	}

	return &Chain{Head: head, SG: sg}, nil
}

// countChain measures how many scatter-gather entries the chain starting at
// head will expand to, following the same bound as original_source's
// process_descriptor_chain: at most vq.Num top-level NEXT steps, with each
// INDIRECT descriptor contributing its declared sub-table length instead of
// one entry.
func (vq *VirtQueue) countChain(head uint16) (int, error) {
	total := 0
	next := head

	for steps := 0; ; steps++ {
		if steps >= int(vq.Num) {
			return 0, ErrChainTooLong
		}

		_, length, flags, nextIdx, err := vq.desc(next)
		if err != nil {
			return 0, err
		}

		if flags&DescFIndirect != 0 {
			if length%descSize != 0 {
				return 0, ErrBadIndirectLen
			}

			total += int(length) / descSize
		} else {
			total++
		}

		if flags&DescFNext == 0 {
			break
		}

		next = nextIdx
	}

	return total, nil
}

func (vq *VirtQueue) fillChain(head uint16, sg []SGEntry) error {
	next := head
	i := 0

	for {
		addr, length, flags, nextIdx, err := vq.desc(next)
		if err != nil {
			return err
		}

		if flags&DescFIndirect != 0 {
			n, err := vq.fillIndirect(addr, int(length)/descSize, sg, i)
			if err != nil {
				return err
			}

			i += n
		} else {
			data, err := vq.mem.Slice(addr, uint64(length))
			if err != nil {
				return err
			}

			sg[i] = SGEntry{Data: data, Writable: flags&DescFWrite != 0}
			i++
		}

		if flags&DescFNext == 0 {
			break
		}

		next = nextIdx
	}

	return nil
}

// fillIndirect resolves one indirect descriptor table into sg[start:], and
// verifies its declared length is consumed exactly — neither short nor long
// (spec §4.2 step 3, §8 boundary behavior).
func (vq *VirtQueue) fillIndirect(tableAddr uint64, tableLen int, sg []SGEntry, start int) (int, error) {
	var next uint16

	for i := 0; ; i++ {
		if i >= tableLen {
			return 0, ErrBadIndirectLen
		}

		addr, length, flags, nextIdx, err := vq.indirectDesc(tableAddr, next)
		if err != nil {
			return 0, err
		}

		if flags&DescFIndirect != 0 {
			return 0, ErrNestedIndirect
		}

		data, err := vq.mem.Slice(addr, uint64(length))
		if err != nil {
			return 0, err
		}

		sg[start+i] = SGEntry{Data: data, Writable: flags&DescFWrite != 0}

		if flags&DescFNext == 0 {
			if i+1 != tableLen {
				return 0, ErrBadIndirectLen
			}

			return i + 1, nil
		}

		next = nextIdx
	}
}

// --- completion + notification ----------------------------------------

// PublishUsed writes one used-ring element and advances used_ring->idx,
// under the per-queue used-ring mutex (spec §4.2, §5).
func (vq *VirtQueue) PublishUsed(head uint16, iolen uint32) error {
	vq.usedMu.Lock()
	defer vq.usedMu.Unlock()

	releaseFence()

	idx := vq.usedIdx()
	if err := vq.setUsedElem(idx&uint16(vq.Num-1), uint32(head), iolen); err != nil {
		return err
	}

	vq.setUsedIdx(idx + 1)
	releaseFence()

	return nil
}

// DisableNotify suppresses guest-to-device notifications for this queue
// (spec §4.2). With EVENT_IDX negotiated this writes the avail-event index;
// otherwise it sets USED_F_NO_NOTIFY.
func (vq *VirtQueue) DisableNotify() {
	if vq.EventIdxEnabled {
		vq.setAvailEvent(vq.LastAvailIdx - 1)
	} else {
		vq.setUsedFlags(vq.usedFlags() | UsedFNoNotify)
	}

	releaseFence()
}

// EnableNotify re-enables guest-to-device notifications for this queue.
func (vq *VirtQueue) EnableNotify() {
	if vq.EventIdxEnabled {
		vq.setAvailEvent(vq.availIdx())
	} else {
		// spec.md §9: bitwise complement, not the source's logical-not bug.
		vq.setUsedFlags(vq.usedFlags() &^ UsedFNoNotify)
	}

	releaseFence()
}

// ShouldInterrupt samples used_ring->idx against the last value observed by
// the injector and applies the §4.2/§4.4 gating rules. It returns whether a
// new completion exists and interrupt injection is not suppressed, and
// advances LastUsedIdx as a side effect — callers must not call this more
// than once per completion batch.
func (vq *VirtQueue) ShouldInterrupt() bool {
	old := vq.LastUsedIdx
	newIdx := vq.usedIdx()
	vq.LastUsedIdx = newIdx

	if newIdx == old {
		return false
	}

	if !vq.EventIdxEnabled {
		return vq.availFlags()&AvailFNoInterrupt == 0
	}

	return vringNeedEvent(vq.usedEvent(), newIdx, old)
}

// vringNeedEvent is the standard virtio algorithm, evaluated modulo 2^16 via
// uint16 wraparound arithmetic.
func vringNeedEvent(event, newIdx, old uint16) bool {
	return newIdx-event-1 < newIdx-old
}
