package device_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hvisor-tool/virtiod/device"
	"github.com/hvisor-tool/virtiod/gpa"
	"github.com/hvisor-tool/virtiod/internal/xlog"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

type fakeBackend struct {
	cfg       []byte
	notifyErr error
	notified  []uint32
	closed    bool
}

func (b *fakeBackend) Notify(dev *device.VirtIODevice, vq *virtqueue.VirtQueue) error {
	b.notified = append(b.notified, vq.VQIdx)

	return b.notifyErr
}

func (b *fakeBackend) ConfigSpace() []byte { return b.cfg }

func (b *fakeBackend) Close() error {
	b.closed = true

	return nil
}

type fakeInjector struct {
	calls []uint32
}

func (f *fakeInjector) InjectIRQ(dev *device.VirtIODevice, vqIdx uint32) error {
	f.calls = append(f.calls, vqIdx)

	return nil
}

func newTestDevice(backend *fakeBackend) *device.VirtIODevice {
	mem := gpa.New(0x1000, make([]byte, 4096))

	return device.New(device.TypeBlock, 1, 0x1000, 0x200, 5, 1, 256, mem, backend)
}

func TestInRange(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeBackend{})

	if !d.InRange(1, 0x1000) {
		t.Fatal("InRange: expected base address to be in range")
	}

	if !d.InRange(1, 0x11ff) {
		t.Fatal("InRange: expected last byte to be in range")
	}

	if d.InRange(1, 0x1200) {
		t.Fatal("InRange: expected address past the window to be out of range")
	}

	if d.InRange(2, 0x1000) {
		t.Fatal("InRange: expected a different zone to be out of range")
	}
}

func TestNotifyDispatchesToBackend(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	d := newTestDevice(b)

	d.Notify(0)

	if len(b.notified) != 1 || b.notified[0] != 0 {
		t.Fatalf("notified = %v, want [0]", b.notified)
	}

	// out-of-range queue index is a no-op, not a panic.
	d.Notify(99)

	if len(b.notified) != 1 {
		t.Fatalf("notified = %v, want unchanged for out-of-range index", b.notified)
	}
}

// TestNotifyErrorIsLogged confirms a backend's Notify error reaches xlog
// instead of being dropped silently: not parallel, since it taps the
// package-wide default logger's output.
func TestNotifyErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	xlog.AddFile(&buf, xlog.LevelWarn)

	b := &fakeBackend{notifyErr: errors.New("boom")}
	d := newTestDevice(b)

	d.Notify(0)

	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected notify error to be logged, got: %q", buf.String())
	}
}

func TestInjectIRQNoInjectorIsNoop(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeBackend{})

	if err := d.InjectIRQ(0); err != nil {
		t.Fatalf("InjectIRQ with no injector set: %v", err)
	}
}

func TestInjectIRQCallsInjector(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeBackend{})
	inj := &fakeInjector{}
	d.SetIRQInjector(inj)

	if err := d.InjectIRQ(2); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}

	if len(inj.calls) != 1 || inj.calls[0] != 2 {
		t.Fatalf("injector calls = %v, want [2]", inj.calls)
	}
}

func TestMarkInterruptPending(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeBackend{})

	d.MarkInterruptPending()
	d.MarkInterruptPending()

	if d.Regs().InterruptStatus == 0 {
		t.Fatal("InterruptStatus: expected INT_VRING bit set")
	}

	if d.Regs().InterruptCount != 2 {
		t.Fatalf("InterruptCount = %d, want 2", d.Regs().InterruptCount)
	}
}

func TestResetClearsInterruptStateButKeepsIdentity(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeBackend{})
	d.MarkInterruptPending()

	qs := d.Queues()
	qs[0].Num = 128
	qs[0].Ready = 1

	d.Reset()

	if d.Regs().InterruptStatus != 0 || d.Regs().InterruptCount != 0 {
		t.Fatal("Reset: expected interrupt state cleared")
	}

	if qs[0].Num != 0 || qs[0].Ready != 0 {
		t.Fatal("Reset: expected per-queue Num/Ready cleared")
	}

	if qs[0].NumMax != 256 {
		t.Fatalf("Reset: NumMax = %d, want unchanged 256", qs[0].NumMax)
	}
}

func TestCloseReleasesBackend(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	d := newTestDevice(b)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !b.closed {
		t.Fatal("Close: expected backend.Close to be called")
	}
}

func TestSetBackendDeferred(t *testing.T) {
	t.Parallel()

	mem := gpa.New(0, make([]byte, 4096))
	d := device.New(device.TypeNet, 1, 0, 0x100, 1, 2, 256, mem, nil)

	b := &fakeBackend{cfg: []byte{1, 2, 3, 4}}
	d.SetBackend(b)

	cfg := d.ConfigSpace()
	if len(cfg) != 4 || cfg[0] != 1 {
		t.Fatalf("ConfigSpace = %v, want backend's config bytes", cfg)
	}
}

