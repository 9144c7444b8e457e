package hyperq

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"hyperq.dev/hyperq/internal/pshared"
	"hyperq.dev/hyperq/internal/ring"
	"hyperq.dev/hyperq/internal/segment"
)

// openGroup collapses concurrent Open calls for the same name within
// this process onto a single /dev/shm existence check. When that check
// finds no segment, every caller that shared it still goes through
// segment.Create, whose O_EXCL/EEXIST handling decides who creates and
// who attaches.
var openGroup singleflight.Group

// Queue is a handle to a shared-memory FIFO queue. A Queue is safe for
// concurrent use by multiple goroutines, and multiple unrelated
// processes may hold their own Queue for the same name at once.
type Queue struct {
	name       string
	kernelName string
	seg        *segment.Segment
	ring       *ring.Ring

	closeOnce sync.Once
	closeErr  error
}

// synthesizeName produces a unique queue name for callers that Open
// without WithName, short enough to leave room under
// segment.NameMaxLen after normalization.
func synthesizeName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("hyperq: generate name: %w", err)
	}
	return "hq-" + hex.EncodeToString(buf[:]), nil
}

// Open creates or attaches to a queue. By default it creates the
// segment if it doesn't exist and attaches to it if it does; see
// WithCreateOnly and WithAttachOnly to require one or the other. If
// WithName is not given, Open synthesizes a unique name, retrievable
// afterward through Queue.Name.
func Open(opts ...Option) (*Queue, error) {
	cfg := newConfig(opts)
	name := cfg.name
	if name == "" {
		synthesized, err := synthesizeName()
		if err != nil {
			return nil, newError(KindOS, "Open", "", err)
		}
		name = synthesized
	}
	if cfg.capacity <= 0 {
		return nil, newError(KindInvalidArgument, "Open", name, fmt.Errorf("capacity must be positive, got %d", cfg.capacity))
	}
	if cfg.createOnly && cfg.attachOnly {
		return nil, newError(KindInvalidArgument, "Open", name, errors.New("WithCreateOnly and WithAttachOnly are mutually exclusive"))
	}

	kernelName, nerr := segment.NormalizeName(name)
	if nerr != nil {
		return nil, newError(KindInvalidArgument, "Open", name, nerr)
	}
	normalizedName := strings.TrimPrefix(kernelName, "/")

	headerLen := ring.HeaderSize()

	knownExisting, _, _ := openGroup.Do(kernelName, func() (any, error) {
		return segment.Exists(kernelName), nil
	})

	var (
		seg     *segment.Segment
		creator bool
		err     error
	)
	if knownExisting.(bool) || cfg.attachOnly {
		if cfg.createOnly {
			return nil, newError(KindInvalidArgument, "Open", normalizedName, errors.New("segment already exists"))
		}
		seg, err = segment.Attach(kernelName, headerLen)
		if err != nil {
			if cfg.attachOnly {
				return nil, newError(KindNotInitialized, "Open", normalizedName, err)
			}
			return nil, newError(KindOS, "Open", normalizedName, err)
		}
	} else {
		seg, creator, err = segment.Create(kernelName, headerLen, cfg.capacity)
		if err != nil {
			return nil, newError(KindOS, "Open", normalizedName, err)
		}
		if !creator && cfg.createOnly {
			segment.Close(seg)
			return nil, newError(KindInvalidArgument, "Open", normalizedName, errors.New("segment already exists"))
		}
	}

	var hdr *ring.Header
	if creator {
		hdr, err = ring.InitHeader(seg.HeaderBytes(), seg.Capacity(), cfg.robust)
		if err != nil {
			segment.Close(seg)
			segment.Unlink(kernelName)
			return nil, newError(KindOS, "Open", normalizedName, err)
		}
	} else {
		hdr, err = ring.OpenHeader(seg.HeaderBytes())
		if err != nil {
			segment.Close(seg)
			return nil, translateRingErr("Open", normalizedName, err)
		}
	}

	rng, err := ring.New(hdr, seg.RingBytes())
	if err != nil {
		segment.Close(seg)
		return nil, translateRingErr("Open", normalizedName, err)
	}

	refs := hdr.IncRef()
	logger.Debug("queue attached", "name", normalizedName, "creator", creator, "capacity", seg.Capacity(), "refs", refs)

	return &Queue{name: normalizedName, kernelName: kernelName, seg: seg, ring: rng}, nil
}

// Name returns the queue's normalized name (without the leading '/'),
// whether it was supplied via WithName or synthesized by Open.
func (q *Queue) Name() string { return q.name }

// Put appends msg to the queue, blocking while it is full. It returns a
// KindMessageTooLarge error immediately if msg could never fit in this
// queue's capacity.
func (q *Queue) Put(msg []byte) error {
	if err := q.ring.Put(msg); err != nil {
		return translateRingErr("Put", q.name, err)
	}
	return nil
}

// Get removes and returns the oldest queued message, blocking while the
// queue is empty.
func (q *Queue) Get() ([]byte, error) {
	msg, err := q.ring.Get()
	if err != nil {
		if errors.Is(err, pshared.ErrOwnerDied) {
			return msg, translateRingErr("Get", q.name, err)
		}
		return nil, translateRingErr("Get", q.name, err)
	}
	return msg, nil
}

// Empty reports whether the queue currently holds no messages.
func (q *Queue) Empty() bool { return q.ring.Empty() }

// Full reports whether the queue currently has no room for another
// message.
func (q *Queue) Full() bool { return q.ring.Full() }

// Size returns the number of bytes currently occupied by queued
// messages, including their length prefixes.
func (q *Queue) Size() int { return q.ring.Size() }

// Clear discards all queued messages.
func (q *Queue) Clear() error {
	if err := q.ring.Clear(); err != nil {
		return translateRingErr("Clear", q.name, err)
	}
	return nil
}

// Close detaches this handle from the segment. The handle that observes
// the attach refcount drop to zero destroys the segment's sync
// primitives, unmaps it, and unlinks the kernel object; every other
// handle just unmaps its own view.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		hdr := q.ring.Header()
		refs := hdr.DecRef()
		if refs == 0 {
			hdr.Destroy()
		}
		if err := segment.Close(q.seg); err != nil {
			q.closeErr = newError(KindOS, "Close", q.name, err)
			return
		}
		if refs == 0 {
			if err := segment.Unlink(q.kernelName); err != nil {
				q.closeErr = newError(KindOS, "Close", q.name, err)
				return
			}
		}
		logger.Debug("queue closed", "name", q.name, "refs", refs)
	})
	return q.closeErr
}

// translateRingErr maps the internal/ring and internal/pshared sentinel
// errors onto the public Kind taxonomy.
func translateRingErr(op, name string, err error) *Error {
	switch {
	case errors.Is(err, ring.ErrMessageTooLarge):
		return newError(KindMessageTooLarge, op, name, err)
	case errors.Is(err, ring.ErrEmptyMessage):
		return newError(KindInvalidArgument, op, name, err)
	case errors.Is(err, ring.ErrNotInitialized):
		return newError(KindNotInitialized, op, name, err)
	case errors.Is(err, ring.ErrCorruptState):
		return newError(KindCorruptState, op, name, err)
	case errors.Is(err, pshared.ErrOwnerDied):
		return newError(KindOwnerDied, op, name, err)
	default:
		return newError(KindOS, op, name, err)
	}
}
