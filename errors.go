package hyperq

//go:generate go tool stringer -type=Kind -output=errors_string.go

// Kind classifies a HyperQ error into the small taxonomy operators need
// to decide how to react: retry, give up, or treat the segment as
// unrecoverable.
type Kind int

const (
	// KindInvalidArgument means the caller passed a name, capacity, or
	// payload that can never succeed regardless of segment state.
	KindInvalidArgument Kind = iota
	// KindOS wraps an underlying OS-level failure (open, mmap, ftruncate,
	// pthread init) that isn't specific to HyperQ's own protocol.
	KindOS
	// KindNotInitialized means a segment was found but never finished
	// (or never started) initialization within the attach spin window,
	// or that Open with WithAttachOnly could not attach to the segment
	// (for example because it does not exist).
	KindNotInitialized
	// KindMessageTooLarge means a message could never fit in the ring
	// even when completely empty.
	KindMessageTooLarge
	// KindCorruptState means the segment's header or queued data is
	// internally inconsistent (unsupported header version, implausible
	// capacity, or a length prefix that overruns the bytes in use).
	KindCorruptState
	// KindOwnerDied means a previous holder of the segment's mutex
	// terminated while holding it.
	KindOwnerDied
)

// Error is the error type every exported HyperQ operation returns. It
// carries a Kind for programmatic dispatch and, where applicable, the
// underlying OS error via Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	s := "hyperq: " + e.Op
	if e.Name != "" {
		s += " " + e.Name
	}
	s += ": " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}
