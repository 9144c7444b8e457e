// Package pshared wraps POSIX process-shared synchronization primitives
// (pthread_mutex_t, pthread_cond_t) for placement directly inside a memory
// region that multiple processes map, as required by the header layout in
// spec §3 and the init discipline in spec §4.2/§9.
//
// A Mutex or Cond never owns its own storage: the caller reserves
// MutexSize()/CondSize() bytes inside shared memory (typically as part of
// a larger header struct) and calls Init* on its address once, or Open*
// on every subsequent attach. Neither type may be copied by value once
// initialized. Both embed a noCopy marker so `go vet -copylocks` flags
// accidental copies.
package pshared

/*
#include <pthread.h>
#include <stddef.h>
#include <errno.h>

typedef struct {
	pthread_mutex_t mu;
} hq_mutex_t;

typedef struct {
	pthread_cond_t cond;
} hq_cond_t;

static int hq_mutex_init(hq_mutex_t *m, int robust) {
	pthread_mutexattr_t attr;
	int rc = pthread_mutexattr_init(&attr);
	if (rc != 0) {
		return rc;
	}
	rc = pthread_mutexattr_setpshared(&attr, PTHREAD_PROCESS_SHARED);
	if (rc != 0) {
		pthread_mutexattr_destroy(&attr);
		return rc;
	}
#if defined(PTHREAD_MUTEX_ROBUST) || defined(__GLIBC__)
	if (robust) {
		pthread_mutexattr_setrobust(&attr, PTHREAD_MUTEX_ROBUST);
	}
#endif
	rc = pthread_mutex_init(&m->mu, &attr);
	pthread_mutexattr_destroy(&attr);
	return rc;
}

static int hq_mutex_lock(hq_mutex_t *m) {
	int rc = pthread_mutex_lock(&m->mu);
#ifdef EOWNERDEAD
	if (rc == EOWNERDEAD) {
		pthread_mutex_consistent(&m->mu);
	}
#endif
	return rc;
}

static int hq_mutex_unlock(hq_mutex_t *m) {
	return pthread_mutex_unlock(&m->mu);
}

static int hq_mutex_destroy(hq_mutex_t *m) {
	return pthread_mutex_destroy(&m->mu);
}

static int hq_cond_init(hq_cond_t *c) {
	pthread_condattr_t attr;
	int rc = pthread_condattr_init(&attr);
	if (rc != 0) {
		return rc;
	}
	rc = pthread_condattr_setpshared(&attr, PTHREAD_PROCESS_SHARED);
	if (rc != 0) {
		pthread_condattr_destroy(&attr);
		return rc;
	}
	rc = pthread_cond_init(&c->cond, &attr);
	pthread_condattr_destroy(&attr);
	return rc;
}

static int hq_cond_wait(hq_cond_t *c, hq_mutex_t *m) {
	int rc = pthread_cond_wait(&c->cond, &m->mu);
#ifdef EOWNERDEAD
	if (rc == EOWNERDEAD) {
		pthread_mutex_consistent(&m->mu);
	}
#endif
	return rc;
}

static int hq_cond_signal(hq_cond_t *c) {
	return pthread_cond_signal(&c->cond);
}

static int hq_cond_broadcast(hq_cond_t *c) {
	return pthread_cond_broadcast(&c->cond);
}

static int hq_cond_destroy(hq_cond_t *c) {
	return pthread_cond_destroy(&c->cond);
}

static size_t hq_mutex_size(void) { return sizeof(hq_mutex_t); }
static size_t hq_cond_size(void)  { return sizeof(hq_cond_t); }

static int hq_eownerdead(void) {
#ifdef EOWNERDEAD
	return EOWNERDEAD;
#else
	return -1;
#endif
}
*/
import "C"

import (
	"errors"
	"syscall"
	"unsafe"
)

// ErrOwnerDied is returned by Lock/Wait when the previous owner of the
// mutex terminated while holding it. The mutex state has already been
// marked consistent; the caller decides whether the shared data is still
// trustworthy (spec §4.6, §7).
var ErrOwnerDied = errors.New("pshared: previous owner died, mutex recovered")

var eownerdead = int(C.hq_eownerdead())

// MutexSize reports how many bytes of shared memory a Mutex needs.
func MutexSize() int { return int(C.hq_mutex_size()) }

// CondSize reports how many bytes of shared memory a Cond needs.
func CondSize() int { return int(C.hq_cond_size()) }

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Mutex is a process-shared mutex at a fixed shared-memory address.
type Mutex struct {
	_   noCopy
	raw *C.hq_mutex_t
}

// InitMutex initializes a brand-new process-shared mutex at addr, which
// must point to zeroed memory at least MutexSize() bytes long. robust
// requests PTHREAD_MUTEX_ROBUST where the platform provides it.
func InitMutex(addr unsafe.Pointer, robust bool) (*Mutex, error) {
	raw := (*C.hq_mutex_t)(addr)
	r := C.int(0)
	if robust {
		r = 1
	}
	if rc := C.hq_mutex_init(raw, r); rc != 0 {
		return nil, syscall.Errno(rc)
	}
	return &Mutex{raw: raw}, nil
}

// OpenMutex attaches to a mutex that another handle already initialized
// at addr.
func OpenMutex(addr unsafe.Pointer) *Mutex {
	return &Mutex{raw: (*C.hq_mutex_t)(addr)}
}

// Lock blocks until the mutex is acquired. It returns ErrOwnerDied if the
// previous holder died without unlocking; the caller still holds the lock
// in that case, same as pthread_mutex_lock's EOWNERDEAD contract.
func (m *Mutex) Lock() error {
	rc := int(C.hq_mutex_lock(m.raw))
	if rc == 0 {
		return nil
	}
	if eownerdead >= 0 && rc == eownerdead {
		return ErrOwnerDied
	}
	return syscall.Errno(rc)
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	C.hq_mutex_unlock(m.raw)
}

// Destroy releases OS-level resources held by the mutex. Only the handle
// that performs segment teardown (spec §4.6) should call this.
func (m *Mutex) Destroy() {
	C.hq_mutex_destroy(m.raw)
}

// Cond is a process-shared condition variable, always used together with
// a Mutex from the same shared header.
type Cond struct {
	_   noCopy
	raw *C.hq_cond_t
}

// InitCond initializes a brand-new process-shared condition variable at
// addr, which must point to zeroed memory at least CondSize() bytes long.
func InitCond(addr unsafe.Pointer) (*Cond, error) {
	raw := (*C.hq_cond_t)(addr)
	if rc := C.hq_cond_init(raw); rc != 0 {
		return nil, syscall.Errno(rc)
	}
	return &Cond{raw: raw}, nil
}

// OpenCond attaches to a condition variable another handle initialized.
func OpenCond(addr unsafe.Pointer) *Cond {
	return &Cond{raw: (*C.hq_cond_t)(addr)}
}

// Wait atomically unlocks mu, blocks until Signal or Broadcast wakes it,
// and reacquires mu before returning, mirroring pthread_cond_wait.
func (c *Cond) Wait(mu *Mutex) error {
	rc := int(C.hq_cond_wait(c.raw, mu.raw))
	if rc == 0 {
		return nil
	}
	if eownerdead >= 0 && rc == eownerdead {
		return ErrOwnerDied
	}
	return syscall.Errno(rc)
}

// Signal wakes at most one waiter.
func (c *Cond) Signal() {
	C.hq_cond_signal(c.raw)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	C.hq_cond_broadcast(c.raw)
}

// Destroy releases OS-level resources held by the condition variable.
func (c *Cond) Destroy() {
	C.hq_cond_destroy(c.raw)
}
