// Package resource implements the guest scatter-gather Resource (C2): a
// list of guest-memory iovecs the VMM has pinned and handed to the
// renderer by host virtual address, plus linear Read/Write across the
// iovec list the way a virtio device walks a descriptor chain.
package resource

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// IOVec is one guest-memory span, already translated to a host virtual
// address by the VMM before the Resource is created — this module never
// walks guest page tables itself.
type IOVec struct {
	Base uintptr
	Len  uint64
}

// Resource is an ordered list of IOVecs the renderer treats as one linear
// byte range for CCMD scratch reads/writes and BO backing.
type Resource struct {
	ID       uint32
	IOVecs   []IOVec
	total    uint64
	OpaqueFD int // >=0 when this Resource is backed by an exportable dmabuf; -1 otherwise
}

// New builds a Resource from iovecs already validated by the caller (the
// Device, which owns the get_device_fd/guest-mapping callbacks).
func New(id uint32, iovecs []IOVec) *Resource {
	r := &Resource{ID: id, IOVecs: append([]IOVec(nil), iovecs...), OpaqueFD: -1}
	for _, v := range r.IOVecs {
		r.total += v.Len
	}
	return r
}

// Size is the sum of every iovec's length.
func (r *Resource) Size() uint64 { return r.total }

// Write copies src into the Resource at the given linear offset, spanning
// iovec boundaries as needed. It fails with EINVAL if [off, off+len(src))
// does not fit entirely within the Resource — no short writes are ever
// produced.
func (r *Resource) Write(off uint64, src []byte) error {
	return r.copy(off, uint64(len(src)), func(dst unsafe.Pointer, n uint64, srcOff uint64) {
		dstSlice := unsafe.Slice((*byte)(dst), n)
		copy(dstSlice, src[srcOff:srcOff+n])
	})
}

// Read copies out of the Resource at the given linear offset into dst.
func (r *Resource) Read(off uint64, dst []byte) error {
	return r.copy(off, uint64(len(dst)), func(src unsafe.Pointer, n uint64, dstOff uint64) {
		srcSlice := unsafe.Slice((*byte)(src), n)
		copy(dst[dstOff:dstOff+n], srcSlice)
	})
}

// copy walks the iovec list starting at off, invoking fn once per iovec
// segment that the [off, off+size) range touches. fn's second argument is
// the segment length; its third is the segment's offset within the
// caller's buffer, not within the Resource.
func (r *Resource) copy(off, size uint64, fn func(hostPtr unsafe.Pointer, n uint64, bufOff uint64)) error {
	if off+size > r.total || off+size < off {
		return errors.Wrapf(syscall.EINVAL, "resource %d: range [%d,%d) exceeds size %d", r.ID, off, off+size, r.total)
	}

	var walked uint64
	var bufOff uint64
	remaining := size
	for _, v := range r.IOVecs {
		if remaining == 0 {
			break
		}
		segStart := walked
		segEnd := walked + v.Len
		walked = segEnd

		if off >= segEnd {
			continue
		}

		// Overlap of [off, off+size) with [segStart, segEnd).
		lo := off
		if lo < segStart {
			lo = segStart
		}
		hi := off + size
		if hi > segEnd {
			hi = segEnd
		}
		if hi <= lo {
			continue
		}

		n := hi - lo
		hostOff := lo - segStart
		fn(unsafe.Pointer(v.Base+uintptr(hostOff)), n, bufOff)

		bufOff += n
		remaining -= n
	}

	if remaining != 0 {
		return errors.Wrapf(syscall.EINVAL, "resource %d: short copy, %d bytes unresolved", r.ID, remaining)
	}
	return nil
}
