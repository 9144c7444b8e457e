// Package ring implements the length-prefixed, mutex-and-condvar-guarded
// FIFO ring buffer that backs a HyperQ queue: the on-segment Header
// layout, its create/attach discipline, and the blocking Put/Get
// algorithm built on top of it.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"hyperq.dev/hyperq/internal/pshared"
)

// Magic identifies an initialized header. Chosen to be recognizable in a
// hex dump rather than for any structural reason.
const Magic uint32 = 0x48595051 // "HYPQ" folded into 4 bytes

// attachSpinTimeout bounds how long OpenHeader waits for a concurrently
// creating process to finish writing Magic before giving up. A var, not
// a const, so tests can shrink it.
var attachSpinTimeout = 2 * time.Second

var (
	// ErrNotInitialized is returned by OpenHeader when a header never
	// becomes valid within attachSpinTimeout.
	ErrNotInitialized = errors.New("ring: segment header not initialized")
	// ErrCorruptState is returned when the header or queued data is
	// inconsistent: an unsupported header version or implausible capacity
	// on attach, a ring data region of the wrong size, or a length prefix
	// that is zero or overruns the bytes in use.
	ErrCorruptState = errors.New("ring: corrupt header state")
	// ErrMessageTooLarge is returned by Put when a message plus its
	// length prefix can never fit in the ring's capacity.
	ErrMessageTooLarge = errors.New("ring: message too large for ring capacity")
	// ErrEmptyMessage is returned by Put for a zero-length payload; the
	// wire format has no way to distinguish it from "no message queued".
	ErrEmptyMessage = errors.New("ring: message must be non-empty")
)

const lengthPrefixSize = 4

// field byte offsets within the header. uint64 fields are placed on
// 8-byte boundaries so atomic access is valid on 32-bit architectures
// too.
const (
	offMagic    = 0
	offVersion  = 4
	offCapacity = 8
	offHead     = 16
	offTail     = 24
	offCount    = 32
	offRefcount = 40
	offFixed    = 48 // end of the fixed-size portion, start of sync primitives
)

const headerVersion uint32 = 1

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// layout returns the byte offsets of the mutex and the two condition
// variables within the header, and the total header size. The header
// size is rounded up to the system page size, not just an 8-byte atomic
// boundary: internal/segment maps the ring data region back-to-back
// immediately after the header with MAP_FIXED at base+headerLen, and
// POSIX requires both the target address and the file offset of a fixed
// mapping to be page-aligned.
func layout() (mutexOff, notEmptyOff, notFullOff, size int) {
	mutexOff = alignUp(offFixed, 8)
	notEmptyOff = alignUp(mutexOff+pshared.MutexSize(), 8)
	notFullOff = alignUp(notEmptyOff+pshared.CondSize(), 8)
	size = alignUp(notFullOff+pshared.CondSize(), unix.Getpagesize())
	return
}

// HeaderSize returns the number of bytes a Header needs. Callers pass
// this to internal/segment.Create/Attach as the fixed header region size.
func HeaderSize() int {
	_, _, _, size := layout()
	return size
}

// Header is a view over the fixed-size control block at the front of a
// segment: capacity, head/tail/count bookkeeping, the attach refcount,
// and the process-shared mutex and condition variables that guard them.
// It never owns the memory it points into.
type Header struct {
	buf      []byte
	mutex    *pshared.Mutex
	notEmpty *pshared.Cond
	notFull  *pshared.Cond
}

func (h *Header) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.buf[off]))
}

func (h *Header) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.buf[off]))
}

func (h *Header) magic() uint32     { return atomic.LoadUint32(h.u32(offMagic)) }
func (h *Header) setMagic(v uint32) { atomic.StoreUint32(h.u32(offMagic), v) }

// Capacity is the usable, single-copy ring data size in bytes.
func (h *Header) Capacity() int { return int(atomic.LoadUint64(h.u64(offCapacity))) }

func (h *Header) head() uint64      { return atomic.LoadUint64(h.u64(offHead)) }
func (h *Header) setHead(v uint64)  { atomic.StoreUint64(h.u64(offHead), v) }
func (h *Header) tail() uint64      { return atomic.LoadUint64(h.u64(offTail)) }
func (h *Header) setTail(v uint64)  { atomic.StoreUint64(h.u64(offTail), v) }
func (h *Header) count() uint64     { return atomic.LoadUint64(h.u64(offCount)) }
func (h *Header) setCount(v uint64) { atomic.StoreUint64(h.u64(offCount), v) }

// RefCount returns the current number of attached handles, for
// diagnostics and stale-segment detection. It is not synchronized with
// Put/Get beyond the atomicity of the load itself.
func (h *Header) RefCount() int64 {
	return int64(atomic.LoadUint64(h.u64(offRefcount)))
}

// IncRef records a new attached handle and returns the resulting count.
func (h *Header) IncRef() int64 {
	return int64(atomic.AddUint64(h.u64(offRefcount), 1))
}

// DecRef records a handle detaching and returns the resulting count.
// The caller that observes 0 is responsible for tearing the segment down.
func (h *Header) DecRef() int64 {
	return int64(atomic.AddUint64(h.u64(offRefcount), ^uint64(0)))
}

// InitHeader initializes a brand-new header in buf (which must be zeroed
// and HeaderSize() bytes long) for a ring of the given capacity. robust
// requests a PTHREAD_MUTEX_ROBUST mutex where the platform supports it.
func InitHeader(buf []byte, capacity int, robust bool) (*Header, error) {
	if len(buf) < HeaderSize() {
		return nil, fmt.Errorf("ring: header buffer too small: %d < %d", len(buf), HeaderSize())
	}
	if capacity <= lengthPrefixSize {
		return nil, fmt.Errorf("%w: capacity %d too small", ErrMessageTooLarge, capacity)
	}
	mutexOff, notEmptyOff, notFullOff, _ := layout()
	h := &Header{buf: buf}

	mu, err := pshared.InitMutex(unsafe.Pointer(&buf[mutexOff]), robust)
	if err != nil {
		return nil, fmt.Errorf("ring: init mutex: %w", err)
	}
	ne, err := pshared.InitCond(unsafe.Pointer(&buf[notEmptyOff]))
	if err != nil {
		mu.Destroy()
		return nil, fmt.Errorf("ring: init notEmpty cond: %w", err)
	}
	nf, err := pshared.InitCond(unsafe.Pointer(&buf[notFullOff]))
	if err != nil {
		mu.Destroy()
		ne.Destroy()
		return nil, fmt.Errorf("ring: init notFull cond: %w", err)
	}
	h.mutex, h.notEmpty, h.notFull = mu, ne, nf

	atomic.StoreUint32(h.u32(offVersion), headerVersion)
	h.setHead(0)
	h.setTail(0)
	h.setCount(0)
	atomic.StoreUint64(h.u64(offRefcount), 0)
	atomic.StoreUint64(h.u64(offCapacity), uint64(capacity))
	h.setMagic(Magic) // must be last: attach spins on this becoming valid

	return h, nil
}

// OpenHeader attaches to a header another handle already initialized,
// spin-waiting up to attachSpinTimeout for Magic to appear in case the
// creator hasn't finished InitHeader yet.
func OpenHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize() {
		return nil, fmt.Errorf("ring: header buffer too small: %d < %d", len(buf), HeaderSize())
	}
	h := &Header{buf: buf}

	deadline := time.Now().Add(attachSpinTimeout)
	for h.magic() != Magic {
		if time.Now().After(deadline) {
			return nil, ErrNotInitialized
		}
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadUint32(h.u32(offVersion)) != headerVersion {
		return nil, fmt.Errorf("%w: unsupported header version", ErrCorruptState)
	}
	if h.Capacity() <= lengthPrefixSize {
		return nil, fmt.Errorf("%w: implausible capacity %d", ErrCorruptState, h.Capacity())
	}

	mutexOff, notEmptyOff, notFullOff, _ := layout()
	h.mutex = pshared.OpenMutex(unsafe.Pointer(&buf[mutexOff]))
	h.notEmpty = pshared.OpenCond(unsafe.Pointer(&buf[notEmptyOff]))
	h.notFull = pshared.OpenCond(unsafe.Pointer(&buf[notFullOff]))
	return h, nil
}

// Destroy releases the OS resources backing the header's sync
// primitives. Only the handle performing final segment teardown should
// call this.
func (h *Header) Destroy() {
	h.mutex.Destroy()
	h.notEmpty.Destroy()
	h.notFull.Destroy()
}

// Ring is the blocking FIFO queue built over a Header and its doubled
// data region.
type Ring struct {
	hdr  *Header
	data []byte // len == 2*hdr.Capacity(), see internal/segment
}

// New wraps an already-initialized-or-attached header and its doubled
// ring data region. data must be exactly 2*hdr.Capacity() bytes.
func New(hdr *Header, data []byte) (*Ring, error) {
	if len(data) != 2*hdr.Capacity() {
		return nil, fmt.Errorf("%w: ring data is %d bytes, want %d", ErrCorruptState, len(data), 2*hdr.Capacity())
	}
	return &Ring{hdr: hdr, data: data}, nil
}

// Header returns the ring's underlying header, for refcount bookkeeping
// by the owning handle.
func (r *Ring) Header() *Header { return r.hdr }

// Put appends msg to the queue, blocking while there is not enough free
// space. It returns ErrMessageTooLarge immediately, without blocking, if
// msg could never fit even in an empty ring.
func (r *Ring) Put(msg []byte) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	needed := uint64(lengthPrefixSize + len(msg))
	capacity := uint64(r.hdr.Capacity())
	if needed > capacity {
		return fmt.Errorf("%w: %d bytes needs %d, capacity is %d", ErrMessageTooLarge, len(msg), needed, capacity)
	}

	ownerDied := false
	if err := r.hdr.mutex.Lock(); err != nil {
		if !errors.Is(err, pshared.ErrOwnerDied) {
			return err
		}
		ownerDied = true
	}
	defer r.hdr.mutex.Unlock()

	for capacity-r.hdr.count() < needed {
		if err := r.hdr.notFull.Wait(r.hdr.mutex); err != nil {
			if !errors.Is(err, pshared.ErrOwnerDied) {
				return err
			}
			ownerDied = true
		}
	}

	tail := r.hdr.tail()
	binary.LittleEndian.PutUint32(r.data[tail:], uint32(len(msg)))
	copy(r.data[tail+lengthPrefixSize:], msg)

	r.hdr.setTail((tail + needed) % capacity)
	r.hdr.setCount(r.hdr.count() + needed)
	r.hdr.notEmpty.Signal()
	if ownerDied {
		return pshared.ErrOwnerDied
	}
	return nil
}

// Get removes and returns the oldest queued message, blocking while the
// queue is empty. The returned slice is a copy; it is safe to use after
// the next Put.
func (r *Ring) Get() ([]byte, error) {
	ownerDied := false
	if err := r.hdr.mutex.Lock(); err != nil {
		if !errors.Is(err, pshared.ErrOwnerDied) {
			return nil, err
		}
		ownerDied = true
	}
	defer r.hdr.mutex.Unlock()

	for r.hdr.count() == 0 {
		if err := r.hdr.notEmpty.Wait(r.hdr.mutex); err != nil {
			if !errors.Is(err, pshared.ErrOwnerDied) {
				return nil, err
			}
			ownerDied = true
		}
	}

	head := r.hdr.head()
	length := binary.LittleEndian.Uint32(r.data[head:])
	needed := uint64(lengthPrefixSize) + uint64(length)
	if needed > r.hdr.count() || length == 0 {
		return nil, ErrCorruptState
	}

	msg := make([]byte, length)
	copy(msg, r.data[head+lengthPrefixSize:head+needed])

	r.hdr.setHead((head + needed) % uint64(r.hdr.Capacity()))
	r.hdr.setCount(r.hdr.count() - needed)
	r.hdr.notFull.Signal()
	if ownerDied {
		return msg, pshared.ErrOwnerDied
	}
	return msg, nil
}

// Empty reports whether the queue currently holds no messages.
func (r *Ring) Empty() bool {
	r.hdr.mutex.Lock()
	defer r.hdr.mutex.Unlock()
	return r.hdr.count() == 0
}

// Full reports whether the queue has no room for another length prefix
// plus at least one byte of payload.
func (r *Ring) Full() bool {
	r.hdr.mutex.Lock()
	defer r.hdr.mutex.Unlock()
	return uint64(r.hdr.Capacity())-r.hdr.count() < lengthPrefixSize+1
}

// Size returns the number of bytes currently occupied by queued messages
// and their length prefixes.
func (r *Ring) Size() int {
	r.hdr.mutex.Lock()
	defer r.hdr.mutex.Unlock()
	return int(r.hdr.count())
}

// Clear discards all queued messages. It is the caller's responsibility
// to ensure no other handle is mid-Put/Get; Clear does not itself
// coordinate with them beyond taking the ring's own mutex.
func (r *Ring) Clear() error {
	r.hdr.mutex.Lock()
	defer r.hdr.mutex.Unlock()
	r.hdr.setHead(0)
	r.hdr.setTail(0)
	r.hdr.setCount(0)
	r.hdr.notFull.Broadcast()
	return nil
}
