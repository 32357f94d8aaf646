package sync

import "sync/atomic"

const (
	rwWriterHeld    = uint32(1 << 31)
	rwWriterPending = uint32(1 << 30)
	rwReaderMask    = rwWriterPending - 1
)

// RWSpinlock is a busy-waiting reader/writer lock. Any number of readers may
// hold the lock at the same time while writers get exclusive access. A
// writer that starts waiting sets a pending bit which blocks new readers so
// that a steady stream of readers cannot starve it.
type RWSpinlock struct {
	state uint32
}

// AcquireRead blocks until the lock can be held for reading.
func (l *RWSpinlock) AcquireRead() {
	for attempt := uint32(1); ; attempt++ {
		cur := atomic.LoadUint32(&l.state)
		if cur&(rwWriterHeld|rwWriterPending) == 0 && atomic.CompareAndSwapUint32(&l.state, cur, cur+1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// ReleaseRead releases a read hold acquired via AcquireRead.
func (l *RWSpinlock) ReleaseRead() {
	atomic.AddUint32(&l.state, ^uint32(0))
}

// Acquire blocks until the lock can be held exclusively.
func (l *RWSpinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		cur := atomic.LoadUint32(&l.state)
		switch {
		case cur&rwWriterHeld == 0 && cur&rwReaderMask == 0:
			// Free (possibly with our own pending bit set); claim it and
			// drop the pending bit.
			if atomic.CompareAndSwapUint32(&l.state, cur, rwWriterHeld) {
				return
			}
		case cur&rwWriterPending == 0:
			atomic.CompareAndSwapUint32(&l.state, cur, cur|rwWriterPending)
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to hold the lock exclusively without waiting.
func (l *RWSpinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, rwWriterHeld)
}

// Release releases an exclusive hold acquired via Acquire or TryToAcquire.
// A pending bit set by another waiting writer survives the release.
func (l *RWSpinlock) Release() {
	for {
		cur := atomic.LoadUint32(&l.state)
		if atomic.CompareAndSwapUint32(&l.state, cur, cur&^rwWriterHeld) {
			return
		}
	}
}
