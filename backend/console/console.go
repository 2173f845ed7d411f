// Package console implements the virtio-console device-class back-end: a
// host pty pair, its master side forwarding bytes to/from the guest's
// TX/RX queues — the host-side analog of ConsoleDev.master_fd in
// original_source/tools/includes/virtio_console.h.
//
// The raw ioctl calls opening and unlocking the pty follow the same
// syscall.Syscall(SYS_IOCTL, ...) pattern as bobuhiro11-gokvm's term.go;
// rawmode.go carries that file's termios/SetRawMode logic over, generalized
// from the hardcoded stdin fd to an arbitrary tty fd so it can be applied
// to the pty master instead.
package console

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/hvisor-tool/virtiod/device"
	"github.com/hvisor-tool/virtiod/internal/xlog"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

// Queue indices, matching CONSOLE_QUEUE_RX/CONSOLE_QUEUE_TX in
// original_source/tools/includes/virtio_console.h.
const (
	QueueRX = 0
	QueueTX = 1
)

const (
	ioctlTIOCGPTN  = 0x80045430
	ioctlTIOCSPTLCK = 0x40045431
)

var ErrShortChain = errors.New("console: empty descriptor chain")

// Backend owns one pty pair.
type Backend struct {
	master *os.File
	slave  string

	mu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Open allocates a pty pair via /dev/ptmx and starts a goroutine
// forwarding master output into the device's RX queue.
func Open(dev *device.VirtIODevice) (*Backend, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	var unlock uint32
	if err := ioctl(master.Fd(), ioctlTIOCSPTLCK, uintptr(unsafe.Pointer(&unlock))); err != nil {
		master.Close()
		return nil, err
	}

	var ptyNum uint32
	if err := ioctl(master.Fd(), ioctlTIOCGPTN, uintptr(unsafe.Pointer(&ptyNum))); err != nil {
		master.Close()
		return nil, err
	}

	if err := setRawMode(master.Fd()); err != nil {
		master.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Backend{
		master: master,
		slave:  ptsName(ptyNum),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go b.rxLoop(ctx, dev)

	return b, nil
}

func ptsName(n uint32) string {
	return "/dev/pts/" + itoa(n)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}

	var buf [10]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}

func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

// SlavePath is the /dev/pts/N path a guest-facing terminal client would
// open to interact with this console.
func (b *Backend) SlavePath() string { return b.slave }

func (b *Backend) ConfigSpace() []byte { return nil }

// Close cancels rxLoop and closes the pty master before waiting for rxLoop
// to exit: the master is opened blocking with no read deadline, so rxLoop
// can be parked in master.Read with nothing else to unblock it until the
// fd itself goes away. Closing first, then waiting on b.done, avoids
// hanging here forever while a guest's console sits idle.
func (b *Backend) Close() error {
	b.cancel()

	err := b.master.Close()

	<-b.done

	return err
}

// Notify handles TX (guest-to-host) bytes.
func (b *Backend) Notify(dev *device.VirtIODevice, vq *virtqueue.VirtQueue) error {
	if vq.VQIdx != QueueTX {
		return nil
	}

	for {
		chain, err := vq.Walk(0)
		if err != nil {
			return err
		}

		if chain == nil {
			break
		}

		n, writeErr := b.write(chain)
		if writeErr != nil {
			xlog.Warn("console: write failed: %v", writeErr)
		}

		if err := vq.PublishUsed(chain.Head, n); err != nil {
			return err
		}
	}

	return dev.InjectIRQ(vq.VQIdx)
}

func (b *Backend) write(chain *virtqueue.Chain) (uint32, error) {
	if len(chain.SG) == 0 {
		return 0, ErrShortChain
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var total int

	for _, sg := range chain.SG {
		n, err := b.master.Write(sg.Data)
		total += n

		if err != nil {
			return uint32(total), err
		}
	}

	return uint32(total), nil
}

// rxLoop forwards bytes typed into the pty master toward the guest's RX
// queue, matching ConsoleDev's event-driven rx_ready/event fields with a
// blocking read loop instead (this daemon has no epoll-based event monitor
// of its own; one read-goroutine per console is cheap enough in Go).
func (b *Backend) rxLoop(ctx context.Context, dev *device.VirtIODevice) {
	defer close(b.done)

	qs := dev.Queues()
	if QueueRX >= len(qs) {
		return
	}

	vq := qs[QueueRX]
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.master.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			xlog.Warn("console: read failed: %v", err)

			return
		}

		if err := b.deliver(vq, buf[:n]); err != nil {
			xlog.Warn("console: deliver failed: %v", err)

			continue
		}

		if err := dev.InjectIRQ(vq.VQIdx); err != nil {
			xlog.Warn("console: rx irq injection failed: %v", err)
		}
	}
}

func (b *Backend) deliver(vq *virtqueue.VirtQueue, data []byte) error {
	chain, err := vq.Walk(0)
	if err != nil {
		return err
	}

	if chain == nil {
		return nil
	}

	written := 0
	remaining := data

	for _, sg := range chain.SG {
		if len(remaining) == 0 {
			break
		}

		n := copy(sg.Data, remaining)
		remaining = remaining[n:]
		written += n
	}

	return vq.PublishUsed(chain.Head, uint32(written))
}
