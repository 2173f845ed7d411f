package virtqueue_test

import (
	"encoding/binary"
	"testing"

	"github.com/hvisor-tool/virtiod/gpa"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

const (
	testNum = 4

	descTableOff = 0
	descTableLen = testNum * 16

	availOff = descTableOff + descTableLen              // 64
	availLen = 4 + testNum*2 + 2                         // flags+idx+ring+used_event = 14
	usedOff  = 128                                       // generously aligned and spaced
	dataOff  = 256
	winSize  = 1024
)

func newWindow(t *testing.T) *gpa.Window {
	t.Helper()

	buf := make([]byte, winSize)

	return gpa.New(0, buf)
}

func writeDesc(w *gpa.Window, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := descTableOff + uint64(idx)*16
	b, _ := w.Slice(off, 16)
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func setAvail(w *gpa.Window, flags, idx uint16, ring []uint16) {
	b, _ := w.Slice(availOff, uint64(availLen))
	binary.LittleEndian.PutUint16(b[0:2], flags)
	binary.LittleEndian.PutUint16(b[2:4], idx)

	for i, v := range ring {
		binary.LittleEndian.PutUint16(b[4+i*2:6+i*2], v)
	}
}

func newQueue(t *testing.T) (*virtqueue.VirtQueue, *gpa.Window) {
	t.Helper()

	w := newWindow(t)
	vq := virtqueue.New(0, testNum, w)
	vq.Num = testNum
	vq.Ready = 1
	vq.DescAddr = descTableOff
	vq.AvailAddr = availOff
	vq.UsedAddr = usedOff

	return vq, w
}

func TestWalkSingleDescriptor(t *testing.T) {
	t.Parallel()

	vq, w := newQueue(t)

	writeDesc(w, 0, dataOff, 5, virtqueue.DescFWrite, 0)
	setAvail(w, 0, 1, []uint16{0})

	chain, err := vq.Walk(0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if chain == nil {
		t.Fatal("Walk: expected a chain, got none")
	}

	if chain.Head != 0 {
		t.Fatalf("chain.Head = %d, want 0", chain.Head)
	}

	if len(chain.SG) != 1 {
		t.Fatalf("len(chain.SG) = %d, want 1", len(chain.SG))
	}

	if !chain.SG[0].Writable {
		t.Fatal("expected a writable descriptor")
	}

	if len(chain.SG[0].Data) != 5 {
		t.Fatalf("SG[0].Data len = %d, want 5", len(chain.SG[0].Data))
	}

	// queue is now empty
	chain2, err := vq.Walk(0)
	if err != nil {
		t.Fatalf("second Walk: %v", err)
	}

	if chain2 != nil {
		t.Fatal("expected queue to be empty after one chain consumed")
	}
}

func TestWalkChainedDescriptors(t *testing.T) {
	t.Parallel()

	vq, w := newQueue(t)

	writeDesc(w, 0, dataOff, 4, virtqueue.DescFNext, 1)
	writeDesc(w, 1, dataOff+4, 8, virtqueue.DescFWrite, 0)
	setAvail(w, 0, 1, []uint16{0})

	chain, err := vq.Walk(1) // one appended slot for a header the backend prepends
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(chain.SG) != 3 {
		t.Fatalf("len(chain.SG) = %d, want 3 (2 descriptors + 1 appended)", len(chain.SG))
	}

	if len(chain.SG[0].Data) != 4 || chain.SG[0].Writable {
		t.Fatalf("SG[0] = %+v, want 4 readable bytes", chain.SG[0])
	}

	if len(chain.SG[1].Data) != 8 || !chain.SG[1].Writable {
		t.Fatalf("SG[1] = %+v, want 8 writable bytes", chain.SG[1])
	}
}

func TestWalkIndirect(t *testing.T) {
	t.Parallel()

	vq, w := newQueue(t)

	const indirectTableOff = 512

	// top-level descriptor 0 points at an indirect table of 2 descriptors.
	writeDesc(w, 0, indirectTableOff, 2*16, virtqueue.DescFIndirect, 0)

	// indirect table entries, same wire layout as the top-level table.
	tb, _ := w.Slice(indirectTableOff, 2*16)
	binary.LittleEndian.PutUint64(tb[0:8], dataOff)
	binary.LittleEndian.PutUint32(tb[8:12], 10)
	binary.LittleEndian.PutUint16(tb[12:14], virtqueue.DescFNext)
	binary.LittleEndian.PutUint16(tb[14:16], 1)

	binary.LittleEndian.PutUint64(tb[16:24], dataOff+10)
	binary.LittleEndian.PutUint32(tb[24:28], 20)
	binary.LittleEndian.PutUint16(tb[28:30], virtqueue.DescFWrite)
	binary.LittleEndian.PutUint16(tb[30:32], 0)

	setAvail(w, 0, 1, []uint16{0})

	chain, err := vq.Walk(0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(chain.SG) != 2 {
		t.Fatalf("len(chain.SG) = %d, want 2", len(chain.SG))
	}

	if len(chain.SG[0].Data) != 10 || len(chain.SG[1].Data) != 20 {
		t.Fatalf("unexpected SG lengths: %d, %d", len(chain.SG[0].Data), len(chain.SG[1].Data))
	}
}

func TestWalkIndirectLengthMismatch(t *testing.T) {
	t.Parallel()

	vq, w := newQueue(t)

	const indirectTableOff = 512

	// declares 2 descriptors worth of length but only terminates after 1.
	writeDesc(w, 0, indirectTableOff, 2*16, virtqueue.DescFIndirect, 0)

	tb, _ := w.Slice(indirectTableOff, 2*16)
	binary.LittleEndian.PutUint64(tb[0:8], dataOff)
	binary.LittleEndian.PutUint32(tb[8:12], 10)
	binary.LittleEndian.PutUint16(tb[12:14], 0) // no NEXT: chain ends after one entry
	binary.LittleEndian.PutUint16(tb[14:16], 0)

	setAvail(w, 0, 1, []uint16{0})

	if _, err := vq.Walk(0); err != virtqueue.ErrBadIndirectLen {
		t.Fatalf("Walk: err = %v, want ErrBadIndirectLen", err)
	}
}

func TestPublishUsedAndShouldInterrupt(t *testing.T) {
	t.Parallel()

	vq, _ := newQueue(t)

	if vq.ShouldInterrupt() {
		t.Fatal("ShouldInterrupt: expected false before any completion")
	}

	if err := vq.PublishUsed(3, 42); err != nil {
		t.Fatalf("PublishUsed: %v", err)
	}

	if !vq.ShouldInterrupt() {
		t.Fatal("ShouldInterrupt: expected true after a new completion with interrupts enabled")
	}

	// idempotent: calling again without a new completion reports false.
	if vq.ShouldInterrupt() {
		t.Fatal("ShouldInterrupt: expected false on the second call with no new completion")
	}
}

func TestEnableDisableNotifyFlagBased(t *testing.T) {
	t.Parallel()

	vq, w := newQueue(t)

	vq.DisableNotify()

	b, _ := w.Slice(usedOff, 2)
	if binary.LittleEndian.Uint16(b) != virtqueue.UsedFNoNotify {
		t.Fatalf("used.flags = %#x, want UsedFNoNotify set", binary.LittleEndian.Uint16(b))
	}

	vq.EnableNotify()

	b, _ = w.Slice(usedOff, 2)
	if binary.LittleEndian.Uint16(b) != 0 {
		t.Fatalf("used.flags = %#x, want cleared", binary.LittleEndian.Uint16(b))
	}
}
