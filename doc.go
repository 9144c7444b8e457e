// Package hyperq implements a bounded, multi-producer/multi-consumer
// FIFO queue backed by a named POSIX shared-memory segment.
//
// Any number of unrelated processes can Open the same name and Put/Get
// []byte messages through it; the segment itself is created lazily by
// whichever caller reaches it first and torn down automatically once the
// last handle closes.
//
//	q, err := hyperq.Open(hyperq.WithName("orders"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer q.Close()
//
//	if err := q.Put([]byte("payload")); err != nil {
//		log.Fatal(err)
//	}
//	msg, err := q.Get()
//
// Put and Get block while the queue is full or empty, respectively.
// There is no object serialization layer, no ordering guarantee across
// concurrent consumers beyond FIFO delivery of each individual message,
// and no support outside Linux.
package hyperq
