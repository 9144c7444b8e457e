package pshared

import (
	"sync"
	"testing"
	"time"
	"unsafe"
)

func unsafePtr(buf []byte) unsafe.Pointer {
	return unsafe.Pointer(&buf[0])
}

func TestMutexLockUnlock(t *testing.T) {
	buf := make([]byte, MutexSize())
	m, err := InitMutex(unsafePtr(buf), false)
	if err != nil {
		t.Fatalf("InitMutex: %v", err)
	}
	defer m.Destroy()

	if err := m.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.Unlock()
}

func TestOpenMutexSharesState(t *testing.T) {
	buf := make([]byte, MutexSize())
	owner, err := InitMutex(unsafePtr(buf), false)
	if err != nil {
		t.Fatalf("InitMutex: %v", err)
	}
	defer owner.Destroy()

	attacher := OpenMutex(unsafePtr(buf))

	if err := owner.Lock(); err != nil {
		t.Fatalf("owner Lock: %v", err)
	}

	locked := make(chan struct{})
	go func() {
		attacher.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("attacher acquired the lock while owner still held it")
	case <-time.After(50 * time.Millisecond):
	}

	owner.Unlock()

	select {
	case <-locked:
		attacher.Unlock()
	case <-time.After(time.Second):
		t.Fatal("attacher never acquired the lock after owner released it")
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	buf := make([]byte, MutexSize())
	m, err := InitMutex(unsafePtr(buf), false)
	if err != nil {
		t.Fatalf("InitMutex: %v", err)
	}
	defer m.Destroy()

	const goroutines = 32
	const perGoroutine = 500
	counter := 0

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if err := m.Lock(); err != nil {
					t.Error(err)
					return
				}
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*perGoroutine {
		t.Fatalf("counter = %d, want %d", counter, goroutines*perGoroutine)
	}
}

func TestCondSignalWakesWaiter(t *testing.T) {
	mbuf := make([]byte, MutexSize())
	cbuf := make([]byte, CondSize())

	m, err := InitMutex(unsafePtr(mbuf), false)
	if err != nil {
		t.Fatalf("InitMutex: %v", err)
	}
	defer m.Destroy()
	c, err := InitCond(unsafePtr(cbuf))
	if err != nil {
		t.Fatalf("InitCond: %v", err)
	}
	defer c.Destroy()

	ready := false
	woken := make(chan struct{})

	go func() {
		m.Lock()
		for !ready {
			if err := c.Wait(m); err != nil {
				t.Error(err)
				m.Unlock()
				return
			}
		}
		m.Unlock()
		close(woken)
	}()

	time.Sleep(20 * time.Millisecond)

	m.Lock()
	ready = true
	m.Unlock()
	c.Signal()

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestCondBroadcastWakesAllWaiters(t *testing.T) {
	mbuf := make([]byte, MutexSize())
	cbuf := make([]byte, CondSize())

	m, err := InitMutex(unsafePtr(mbuf), false)
	if err != nil {
		t.Fatalf("InitMutex: %v", err)
	}
	defer m.Destroy()
	c, err := InitCond(unsafePtr(cbuf))
	if err != nil {
		t.Fatalf("InitCond: %v", err)
	}
	defer c.Destroy()

	const waiters = 8
	ready := false
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			m.Lock()
			for !ready {
				c.Wait(m)
			}
			m.Unlock()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()
	c.Broadcast()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all waiters woke from Broadcast")
	}
}
