package dispatch

import (
	"testing"

	"github.com/hvisor-tool/virtiod/bridge"
	"github.com/hvisor-tool/virtiod/device"
	"github.com/hvisor-tool/virtiod/gpa"
	"github.com/hvisor-tool/virtiod/mmio"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

// noopBackend implements device.Backend with no side effects, so tests can
// drive a Dispatcher without a real block/net/console backend.
type noopBackend struct{}

func (noopBackend) Notify(*device.VirtIODevice, *virtqueue.VirtQueue) error { return nil }
func (noopBackend) ConfigSpace() []byte                                    { return make([]byte, 4) }
func (noopBackend) Close() error                                           { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *device.VirtIODevice) {
	t.Helper()

	mem := gpa.New(0x1000, make([]byte, 4096))
	b := bridge.NewForTest(make([]byte, 4096))
	reg := device.NewRegistry()

	dev := device.New(device.TypeBlock, 1, 0x1000, 0x200, 5, 1, 256, mem, noopBackend{})
	reg.Add(dev)

	d := New(b, reg)
	dev.SetIRQInjector(d)

	return d, dev
}

func TestHandleReqWriteRoutesToRegisters(t *testing.T) {
	t.Parallel()

	d, dev := newTestDispatcher(t)

	req := bridge.DeviceReq{
		SrcCPU:  0,
		SrcZone: 1,
		Address: dev.Base, // offset 0: MagicValue register (read-only, but exercises the write path)
		Size:    4,
		Value:   0x12345678,
		IsWrite: 1,
	}

	if err := d.handleReq(req); err != nil {
		t.Fatalf("handleReq: %v", err)
	}
}

func TestHandleReqReadPublishesConfigCompletion(t *testing.T) {
	t.Parallel()

	d, dev := newTestDispatcher(t)

	req := bridge.DeviceReq{
		SrcCPU:        2,
		SrcZone:       1,
		Address:       dev.Base, // MagicValue register
		Size:          4,
		NeedInterrupt: 0,
	}

	if err := d.handleReq(req); err != nil {
		t.Fatalf("handleReq: %v", err)
	}

	// PublishConfig writes cfg_values[2]/cfg_flags[2]; verify indirectly by
	// reading back through the same mailbox buffer the bridge exposes.
	if !d.Bridge.CfgFlagSetForTest(2) {
		t.Fatal("expected cfg_flags[2] to be set after a non-interrupt read completion")
	}
}

func TestHandleReqUnmatchedAddressStillCompletes(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)

	req := bridge.DeviceReq{SrcCPU: 0, SrcZone: 99, Address: 0xdeadbeef, Size: 4}

	if err := d.handleReq(req); err != nil {
		t.Fatalf("handleReq with no matching device: %v", err)
	}
}

func TestInjectIRQSkipsWithoutNewCompletion(t *testing.T) {
	t.Parallel()

	d, dev := newTestDispatcher(t)

	if err := d.InjectIRQ(dev, 0); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}

	if d.Bridge.ResRearForTest() != 0 {
		t.Fatal("expected no response to be pushed when the used ring hasn't advanced")
	}
}

func TestInjectIRQPublishesResponseOnNewCompletion(t *testing.T) {
	t.Parallel()

	d, dev := newTestDispatcher(t)

	// program the queue inside the guest window (base 0x1000) so the used
	// ring can be written.
	vq := dev.Queues()[0]
	vq.Num = 4
	vq.AvailAddr = 0x1000 + 0x100
	vq.UsedAddr = 0x1000 + 0x200

	if err := vq.PublishUsed(0, 16); err != nil {
		t.Fatalf("PublishUsed: %v", err)
	}

	if err := d.InjectIRQ(dev, 0); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}

	if d.Bridge.ResRearForTest() != 1 {
		t.Fatalf("resRear = %d, want 1", d.Bridge.ResRearForTest())
	}

	if dev.Regs().InterruptStatus&mmio.IntVRing == 0 {
		t.Fatal("expected INT_VRING to be set in interrupt_status")
	}
}

func TestInjectIRQOutOfRangeQueueIsNoop(t *testing.T) {
	t.Parallel()

	d, dev := newTestDispatcher(t)

	if err := d.InjectIRQ(dev, 7); err != nil {
		t.Fatalf("InjectIRQ out-of-range: %v", err)
	}
}
