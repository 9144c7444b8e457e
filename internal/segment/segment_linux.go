//go:build linux

package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmDir is the tmpfs mount POSIX shared memory objects live under on
// Linux. There is no macOS/BSD fallback here: true shm_open(3) on those
// platforms needs its own cgo path, out of scope for this build tag.
const shmDir = "/dev/shm"

func path(kernelName string) string {
	return filepath.Join(shmDir, kernelName[1:])
}

// roundUpPage rounds n up to the nearest multiple of the system page
// size, per the requirement that CAPACITY be a positive multiple of the
// page size (the creator is responsible for rounding up).
func roundUpPage(n int) int {
	pg := unix.Getpagesize()
	return (n + pg - 1) &^ (pg - 1)
}

// Exists reports whether a segment with this kernel name is currently
// present under /dev/shm.
func Exists(kernelName string) bool {
	_, err := os.Stat(path(kernelName))
	return err == nil
}

// Create creates a new segment if none exists under kernelName, or
// attaches to an existing one. creator reports which happened; callers
// use it to decide whether to run header initialization.
//
// headerLen and capacity are only used when this call creates the
// segment; on attach the on-disk size is authoritative and capacity is
// derived from it.
func Create(kernelName string, headerLen, capacity int) (seg *Segment, creator bool, err error) {
	p := path(kernelName)
	fd, err := unix.Open(p, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
	switch {
	case err == nil:
		creator = true
		capacity = roundUpPage(capacity)
		total := headerLen + capacity
		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			unix.Close(fd)
			unix.Unlink(p)
			return nil, false, fmt.Errorf("segment: ftruncate %s: %w", kernelName, err)
		}
	case err == unix.EEXIST:
		fd, err = unix.Open(p, unix.O_RDWR, 0600)
		if err != nil {
			return nil, false, fmt.Errorf("segment: open existing %s: %w", kernelName, err)
		}
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, false, fmt.Errorf("segment: fstat %s: %w", kernelName, err)
		}
		capacity = int(st.Size) - headerLen
		if capacity <= 0 {
			unix.Close(fd)
			return nil, false, fmt.Errorf("segment: %s is too small to hold a header", kernelName)
		}
	default:
		return nil, false, fmt.Errorf("segment: open %s: %w", kernelName, err)
	}
	defer unix.Close(fd)

	seg, err = mapDouble(fd, kernelName, headerLen, capacity)
	if err != nil {
		if creator {
			unix.Unlink(p)
		}
		return nil, false, err
	}
	return seg, creator, nil
}

// Attach maps an existing segment. headerLen must match the value the
// creator used; capacity is derived from the file's current size.
func Attach(kernelName string, headerLen int) (*Segment, error) {
	p := path(kernelName)
	fd, err := unix.Open(p, unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", kernelName, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("segment: fstat %s: %w", kernelName, err)
	}
	capacity := int(st.Size) - headerLen
	if capacity <= 0 {
		return nil, fmt.Errorf("segment: %s is too small to hold a header", kernelName)
	}
	return mapDouble(fd, kernelName, headerLen, capacity)
}

// mapDouble reserves headerLen+2*capacity bytes of address space, then
// overlays it with a single mapping of the header and two contiguous
// mappings of the ring data backed by the same file range, so that
// reads/writes crossing the wrap point never need a split memcpy.
func mapDouble(fd int, kernelName string, headerLen, capacity int) (*Segment, error) {
	reserveLen := uintptr(headerLen + 2*capacity)

	anon, err := unix.Mmap(-1, 0, int(reserveLen), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("segment: reserve address space: %w", err)
	}
	base := uintptr(unsafe.Pointer(&anon[0]))

	if err := mmapFixed(base, uintptr(headerLen), fd, 0); err != nil {
		unix.Munmap(anon)
		return nil, fmt.Errorf("segment: map header for %s: %w", kernelName, err)
	}
	if err := mmapFixed(base+uintptr(headerLen), uintptr(capacity), fd, int64(headerLen)); err != nil {
		unix.Munmap(anon)
		return nil, fmt.Errorf("segment: map ring copy 1 for %s: %w", kernelName, err)
	}
	if err := mmapFixed(base+uintptr(headerLen)+uintptr(capacity), uintptr(capacity), fd, int64(headerLen)); err != nil {
		unix.Munmap(anon)
		return nil, fmt.Errorf("segment: map ring copy 2 for %s: %w", kernelName, err)
	}

	header := unsafe.Slice((*byte)(unsafe.Pointer(base)), headerLen)
	ring := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(headerLen))), 2*capacity)

	return &Segment{
		name:       kernelName,
		headerLen:  headerLen,
		capacity:   capacity,
		header:     header,
		ring:       ring,
		base:       base,
		reserveLen: reserveLen,
	}, nil
}

// mmapFixed replaces the mapping at [addr, addr+length) with a MAP_SHARED
// view of fd starting at offset. golang.org/x/sys/unix.Mmap has no way to
// request a specific target address, so this drops to the raw syscall,
// same as a MAP_FIXED remap needs on any mmap wrapper that only exposes
// the "let the kernel choose" form.
func mmapFixed(addr, length uintptr, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Close unmaps this process's view of the segment. It does not remove
// the kernel object; call Unlink for that once the last handle detaches.
func Close(s *Segment) error {
	full := unsafe.Slice((*byte)(unsafe.Pointer(s.base)), s.reserveLen)
	return unix.Munmap(full)
}

// Unlink removes the kernel shared-memory object. Only the handle that
// observes the segment's refcount drop to zero should call this.
func Unlink(kernelName string) error {
	err := unix.Unlink(path(kernelName))
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("segment: unlink %s: %w", kernelName, err)
	}
	return nil
}
