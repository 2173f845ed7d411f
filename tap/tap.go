// Package tap opens a Linux TAP network interface for the virtio-net
// back-end: raw frames written here appear on the interface, and frames
// arriving on the interface are readable back.
package tap

import (
	"syscall"
	"unsafe"
)

const ifNameSize = 0x10

type Tap struct {
	fd int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)

	var err error
	if errno != 0 {
		err = errno
	}

	return res, err
}

func fcntl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, op, arg)

	var err error
	if errno != 0 {
		err = errno
	}

	return res, err
}

// New opens /dev/net/tun, attaches it to the named TAP interface (created
// beforehand by the host, e.g. via `ip tuntap`), and puts the fd in
// non-blocking mode so Read/Write never stall the dispatch loop.
func New(name string) (*Tap, error) {
	var err error

	t := &Tap{}

	if t.fd, err = syscall.Open("/dev/net/tun", syscall.O_RDWR, 0); err != nil {
		return t, err
	}

	ifr := ifReq{
		Flags: syscall.IFF_TAP | syscall.IFF_NO_PI,
	}
	copy(ifr.Name[:ifNameSize-1], name)

	ifrPtr := uintptr(unsafe.Pointer(&ifr))
	if _, err = ioctl(uintptr(t.fd), syscall.TUNSETIFF, ifrPtr); err != nil {
		return t, err
	}

	flags, err := fcntl(uintptr(t.fd), syscall.F_GETFL, 0)
	if err != nil {
		return t, err
	}

	if _, err = fcntl(uintptr(t.fd), syscall.F_SETFL, flags|syscall.O_NONBLOCK); err != nil {
		return t, err
	}

	return t, nil
}

func (t *Tap) Close() error {
	return syscall.Close(t.fd)
}

func (t *Tap) Write(buf []byte) (int, error) {
	return syscall.Write(t.fd, buf)
}

func (t *Tap) Read(buf []byte) (int, error) {
	return syscall.Read(t.fd, buf)
}
