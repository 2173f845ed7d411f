// Package net implements the virtio-net device-class back-end: a TAP
// interface bridged to one transmit and one receive virtqueue, with a
// background goroutine polling the TAP fd for inbound frames (spec.md §4's
// note that back-ends may run their own I/O threads calling inject_irq
// asynchronously).
//
// Grounded on bobuhiro11-gokvm's virtio/net.go (commonHeader/netHeader
// split, QueueSize sized past MAX_SKB_FRAGS) and tap/tap.go (adapted in
// place at [[tap]] for the raw TAP fd), with golang.org/x/time/rate
// throttling the RX poll loop's retry-on-error backoff the way a flaky
// TAP device would otherwise busy-loop the host CPU.
package net

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hvisor-tool/virtiod/device"
	"github.com/hvisor-tool/virtiod/internal/xlog"
	"github.com/hvisor-tool/virtiod/tap"
	"github.com/hvisor-tool/virtiod/virtqueue"
)

// QueueRX and QueueTX are the conventional virtio-net queue indices.
const (
	QueueRX = 0
	QueueTX = 1
)

// netHeaderLen is the length of the virtio_net_hdr prefix every frame carries
// (without mergeable buffers or any offload features negotiated).
const netHeaderLen = 10

var ErrShortChain = errors.New("net: descriptor chain too short for a frame")

// Config is the virtio-net config space: just the MAC address, matching
// the fields a driver actually reads when offloads are not negotiated.
type Config struct {
	MAC [6]byte
}

func (c Config) bytes() []byte {
	b := make([]byte, 6)
	copy(b, c.MAC[:])

	return b
}

// Backend bridges one TAP interface to a device's RX/TX queues.
type Backend struct {
	tap *tap.Tap
	cfg Config

	mu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Open attaches to the named TAP interface and starts the RX poll loop
// against dev's RX queue, notifying through dev.InjectIRQ.
func Open(ifName string, mac [6]byte, dev *device.VirtIODevice) (*Backend, error) {
	t, err := tap.New(ifName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Backend{
		tap:    t,
		cfg:    Config{MAC: mac},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go b.rxLoop(ctx, dev)

	return b, nil
}

func (b *Backend) ConfigSpace() []byte { return b.cfg.bytes() }

func (b *Backend) Close() error {
	b.cancel()
	<-b.done

	return b.tap.Close()
}

// Notify handles TX (guest-to-host) frames: one chain per frame, header
// plus one or more data descriptors.
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

		iolen, txErr := b.transmit(chain)
		if txErr != nil {
			xlog.Warn("net: tx failed: %v", txErr)
		}

		if err := vq.PublishUsed(chain.Head, iolen); err != nil {
			return err
		}
	}

	return dev.InjectIRQ(vq.VQIdx)
}

func (b *Backend) transmit(chain *virtqueue.Chain) (uint32, error) {
	if len(chain.SG) < 2 {
		return 0, ErrShortChain
	}

	frame := make([]byte, 0, 1514)
	for _, sg := range chain.SG[1:] {
		frame = append(frame, sg.Data...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.tap.Write(frame)

	return uint32(n), err
}

// rxLoop is the back-end's own I/O thread: it polls the TAP fd for
// inbound frames and, for each one, pulls a chain off the RX queue,
// copies the frame in (prefixed with a zeroed virtio_net_hdr), publishes
// the completion, and raises an interrupt.
func (b *Backend) rxLoop(ctx context.Context, dev *device.VirtIODevice) {
	defer close(b.done)

	limiter := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)

	buf := make([]byte, 65536)
	qs := dev.Queues()

	if QueueRX >= len(qs) {
		return
	}

	vq := qs[QueueRX]

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.tap.Read(buf)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				_ = limiter.Wait(ctx)

				continue
			}

			if ctx.Err() != nil {
				return
			}

			xlog.Warn("net: rx read failed: %v", err)

			_ = limiter.Wait(ctx)

			continue
		}

		if err := b.deliver(vq, buf[:n]); err != nil {
			xlog.Warn("net: rx deliver failed: %v", err)

			continue
		}

		if err := dev.InjectIRQ(vq.VQIdx); err != nil {
			xlog.Warn("net: rx irq injection failed: %v", err)
		}
	}
}

func (b *Backend) deliver(vq *virtqueue.VirtQueue, frame []byte) error {
	chain, err := vq.Walk(0)
	if err != nil {
		return err
	}

	if chain == nil {
		return nil // guest has not posted an RX buffer yet; frame is dropped
	}

	if len(chain.SG) == 0 {
		return ErrShortChain
	}

	skip := 0

	hdr := chain.SG[0].Data
	if len(hdr) >= netHeaderLen {
		for i := range hdr[:netHeaderLen] {
			hdr[i] = 0
		}

		skip = netHeaderLen
	}

	written := skip
	remaining := frame

	for i, sg := range chain.SG {
		if len(remaining) == 0 {
			break
		}

		dst := sg.Data
		if i == 0 {
			dst = dst[skip:]
		}

		n := copy(dst, remaining)
		remaining = remaining[n:]
		written += n
	}

	return vq.PublishUsed(chain.Head, uint32(written))
}
