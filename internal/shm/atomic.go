package shm

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// spinTries is how many immediate attempts Lock makes before backing off.
const spinTries = 64

// ErrLockTimeout reports that the region lock stayed held for the whole lock timeout.
var ErrLockTimeout = errors.New("timed out waiting for region lock")

var errLockBusy = errors.New("region lock busy")

// SpinLock is a mutual exclusion lock on a uint32 word that lives inside a
// shared region, so it excludes other processes as well as other goroutines.
// The word holds 0 when free and the holder's pid otherwise. It is not
// reentrant, and a holder that dies without unlocking leaves it held.
type SpinLock struct {
	word    *uint32
	owner   uint32
	timeout time.Duration
}

// NewSpinLock returns a lock on word. word must be 4-byte aligned.
func NewSpinLock(word *uint32, timeout time.Duration) *SpinLock {
	return &SpinLock{word: word, owner: uint32(os.Getpid()), timeout: timeout}
}

// TryLock takes the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(l.word, 0, l.owner)
}

// Lock spins briefly, then retries with exponential backoff until the lock is
// taken, the timeout elapses (ErrLockTimeout) or ctx is done.
func (l *SpinLock) Lock(ctx context.Context) error {
	for i := 0; i < spinTries; i++ {
		if l.TryLock() {
			return nil
		}
		runtime.Gosched()
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Microsecond),
		backoff.WithMaxInterval(2*time.Millisecond),
		backoff.WithMaxElapsedTime(l.timeout),
	)
	err := backoff.Retry(func() error {
		if l.TryLock() {
			return nil
		}
		return errLockBusy
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, errLockBusy) {
		return ErrLockTimeout
	}
	return err
}

// Unlock releases the lock. Unlocking a free lock is a no-op.
func (l *SpinLock) Unlock() {
	atomic.StoreUint32(l.word, 0)
}

// Holder returns the pid recorded by the current holder, or 0.
func (l *SpinLock) Holder() uint32 {
	return atomic.LoadUint32(l.word)
}
