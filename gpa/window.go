// Package gpa implements the guest-memory window: a single process-wide
// mapping that establishes a linear translation between guest-physical
// addresses (GPA) and host-virtual addresses (HVA) for one non-root zone's
// physical memory.
package gpa

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrOutOfWindow indicates a GPA, or a GPA+length span, falls outside the
// mapped non-root physical window.
var ErrOutOfWindow = errors.New("gpa: address outside non-root physical window")

// Window is a read-write view of a non-root zone's physical memory, mapped
// once at daemon startup as [Base, Base+len(Buf)).
type Window struct {
	Base uint64
	Buf  []byte
}

// New wraps an already-mapped region. buf is expected to come from mmap'ing
// the kernel character device at the configured NON_ROOT_PHYS_START offset;
// this package does not itself call mmap so it can be unit tested against a
// plain byte slice.
func New(base uint64, buf []byte) *Window {
	return &Window{Base: base, Buf: buf}
}

// Translate returns the host-virtual address for a guest-physical address
// that is assumed to lie in the window. Callers that need bounds checking
// (descriptor walkers) must call Bounds first.
func (w *Window) Translate(gpaddr uint64) uintptr {
	off := gpaddr - w.Base

	return uintptr(unsafe.Pointer(&w.Buf[off]))
}

// Bounds reports whether [gpaddr, gpaddr+length) lies entirely within the
// window. Descriptor-chain walkers MUST call this before dereferencing any
// guest-supplied address (spec §4.1).
func (w *Window) Bounds(gpaddr, length uint64) bool {
	if length == 0 {
		return gpaddr >= w.Base && gpaddr <= w.Base+uint64(len(w.Buf))
	}

	end := gpaddr + length
	if end < gpaddr {
		return false // overflow
	}

	return gpaddr >= w.Base && end <= w.Base+uint64(len(w.Buf))
}

// Slice returns a []byte view of [gpaddr, gpaddr+length) within the window,
// after bounds-checking it.
func (w *Window) Slice(gpaddr, length uint64) ([]byte, error) {
	if !w.Bounds(gpaddr, length) {
		return nil, fmt.Errorf("%w: addr=%#x len=%#x", ErrOutOfWindow, gpaddr, length)
	}

	off := gpaddr - w.Base

	return w.Buf[off : off+length], nil
}
