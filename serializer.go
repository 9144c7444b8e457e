package hyperq

// Serializer is the collaborator an object-facing facade on top of Queue
// would need: something to turn a value into the []byte Put expects and
// back again. No code in this module implements or calls it. The bytes
// facade (Queue.Put/Queue.Get) is the only supported surface here.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
