// Package bo implements the buffer object (C3): a handle to accelerator
// memory, either device-owned (no guest backing) or backed by a guest
// scatter-gather Resource translated into a va-table the kernel driver
// scatters into IOMMU mappings on CREATE_BO.
package bo

import (
	"unsafe"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lab47/vxdna/internal/kioctl"
	"github.com/lab47/vxdna/pkg/resource"
)

// BO is one CREATE_BO'd allocation, device-only or resource-backed.
type BO struct {
	Handle    uint32
	XdnaAddr  uint64
	Size      uint64
	Type      uint32
	MapOffset uint64 // from get_bo_info; the ctx-fd offset Map() mmaps at

	drmFD   int
	log     logger.Logger
	mapAddr uintptr
	mapLen  uint64
}

// Vaddr is the host process address the BO is currently mapped at, or 0
// if Map has not been called.
func (b *BO) Vaddr() uintptr { return b.mapAddr }

// Addr is the address a guest should program the accelerator with: the
// kernel-returned XDNA device address, or — when the kernel reports no
// such address (a device-only BO with no IOMMU-visible range of its
// own) — the host vaddr Map produced instead, which is 0 if the BO was
// never mapped (CreateDevice does not map).
func (b *BO) Addr() uint64 {
	if b.XdnaAddr != kioctl.InvalidAddr {
		return b.XdnaAddr
	}
	return uint64(b.mapAddr)
}

// MapSize is the number of bytes Map mapped, or 0 if unmapped.
func (b *BO) MapSize() uint64 { return b.mapLen }

// CreateDevice allocates a device-only BO: no guest memory is involved, the
// kernel driver backs it with its own pages (spec §4.3, "device-only BO").
func CreateDevice(drmFD int, size uint64, log logger.Logger) (*BO, error) {
	req := kioctl.CreateBOReq{
		Vaddr: 0,
		Size:  size,
		Type:  kioctl.BOTypeDevice,
	}
	if err := kioctl.Ioctl(drmFD, kioctl.IoctlCreateBO, unsafe.Pointer(&req)); err != nil {
		return nil, errors.Wrap(err, "create device bo")
	}

	b := &BO{Handle: req.Handle, Size: size, Type: kioctl.BOTypeDevice, drmFD: drmFD, log: log}
	if err := b.fetchInfo(); err != nil {
		b.gemClose()
		return nil, err
	}
	log.Trace("bo created", "handle", b.Handle, "size", size, "type", "device")
	return b, nil
}

// CreateFromResource builds a va-table describing res's iovecs and issues
// CREATE_BO with that table, producing a shared BO whose accelerator
// address range maps onto the guest's scattered pages (spec §4.3,
// "resource-backed BO", and the guest scatter-gather translation the BO's
// invariants describe).
func CreateFromResource(drmFD int, res *resource.Resource, mapAlign uint32, log logger.Logger) (*BO, error) {
	if len(res.IOVecs) == 0 {
		return nil, errors.Errorf("resource %d has no iovecs", res.ID)
	}

	table := buildVATable(res)

	req := kioctl.CreateBOReq{
		Vaddr: uint64(uintptr(unsafe.Pointer(&table[0]))),
		Size:  res.Size(),
		Type:  kioctl.BOTypeShared,
	}

	if err := kioctl.Ioctl(drmFD, kioctl.IoctlCreateBO, unsafe.Pointer(&req)); err != nil {
		return nil, errors.Wrapf(err, "create resource bo (resource %d)", res.ID)
	}

	b := &BO{Handle: req.Handle, Size: res.Size(), Type: kioctl.BOTypeShared, drmFD: drmFD, log: log}
	if err := b.fetchInfo(); err != nil {
		b.gemClose()
		return nil, err
	}

	// mapAlign==0 still maps, just with no alignment hint beyond the page
	// size Map itself falls back to; a resource-backed BO always gets a
	// process-address-space vaddr (spec §4.3 step 4).
	if _, err := b.Map(mapAlign); err != nil {
		b.gemClose()
		return nil, errors.Wrapf(err, "map resource bo (resource %d)", res.ID)
	}

	log.Trace("bo created", "handle", b.Handle, "size", b.Size, "type", "shared", "resource", res.ID, "vaddr", b.mapAddr)
	return b, nil
}

// buildVATable renders a resource's iovecs into the header+entries layout
// CREATE_BO expects, keeping the backing byte slice alive for the duration
// of the ioctl call by returning it to the caller rather than letting it
// escape only as an unsafe.Pointer.
func buildVATable(res *resource.Resource) []byte {
	hdrSize := int(unsafe.Sizeof(kioctl.VATableHeader{}))
	entSize := int(unsafe.Sizeof(kioctl.VATableEntry{}))
	buf := make([]byte, hdrSize+entSize*len(res.IOVecs))

	hdr := (*kioctl.VATableHeader)(unsafe.Pointer(&buf[0]))
	hdr.UdmaFD = -1
	hdr.NumEntries = uint32(len(res.IOVecs))

	entries := unsafe.Slice((*kioctl.VATableEntry)(unsafe.Pointer(&buf[hdrSize])), len(res.IOVecs))
	for i, v := range res.IOVecs {
		entries[i] = kioctl.VATableEntry{Vaddr: uint64(v.Base), Len: v.Len}
	}
	return buf
}

func (b *BO) fetchInfo() error {
	info := kioctl.BOInfoReq{Handle: b.Handle}
	if err := kioctl.Ioctl(b.drmFD, kioctl.IoctlGetBOInfo, unsafe.Pointer(&info)); err != nil {
		return errors.Wrap(err, "get bo info")
	}
	b.XdnaAddr = info.XdnaAddr
	b.MapOffset = info.MapOffset
	return nil
}

// Map mmaps the BO into this process's address space at an address aligned
// to align bytes, using the reserve-then-MAP_FIXED trick: mmap size+align
// anonymous bytes to find room, compute the aligned address inside that
// window, then MAP_FIXED the BO there and trim the unused head/tail slack
// (spec §4.3's "aligned mapping" requirement — the kernel's plain mmap(2)
// offers no alignment hint, so callers must reserve-and-trim themselves).
func (b *BO) Map(align uint32) (uintptr, error) {
	if b.mapAddr != 0 {
		return b.mapAddr, nil
	}

	size := b.Size
	if size == 0 {
		return 0, errors.New("bo has zero size")
	}
	if align == 0 {
		align = uint32(unix.Getpagesize())
	}

	reserveLen := size + uint64(align)
	resAddr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(reserveLen),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, "reserve mmap window")
	}

	alignedAddr := (resAddr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	headSlack := alignedAddr - resAddr
	tailSlack := reserveLen - uint64(headSlack) - size

	mapAddr, _, errno := unix.Syscall6(unix.SYS_MMAP, alignedAddr, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED|unix.MAP_LOCKED,
		uintptr(b.drmFD), uintptr(b.MapOffset))
	if errno != 0 {
		unix.Syscall(unix.SYS_MUNMAP, resAddr, uintptr(reserveLen), 0)
		return 0, errors.Wrap(errno, "map bo")
	}

	if headSlack > 0 {
		if err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(resAddr)), headSlack)); err != nil {
			b.log.Warn("unmap head slack failed", "err", err)
		}
	}
	if tailSlack > 0 {
		tailAddr := mapAddr + uintptr(size)
		if err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(tailAddr)), tailSlack)); err != nil {
			b.log.Warn("unmap tail slack failed", "err", err)
		}
	}

	b.mapAddr = mapAddr
	b.mapLen = size
	return mapAddr, nil
}

func (b *BO) gemClose() {
	req := kioctl.GEMClose{Handle: b.Handle}
	if err := kioctl.Ioctl(b.drmFD, kioctl.IoctlGEMClose, unsafe.Pointer(&req)); err != nil {
		b.log.Warn("gem close failed", "handle", b.Handle, "err", err)
	}
}

// Close unmaps (if mapped) and releases the BO's GEM handle.
func (b *BO) Close() {
	if b.mapAddr != 0 {
		if err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(b.mapAddr)), b.mapLen)); err != nil {
			b.log.Warn("unmap bo failed", "handle", b.Handle, "err", err)
		}
		b.mapAddr = 0
	}
	b.gemClose()
}
