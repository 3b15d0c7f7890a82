package shm

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinLockExcludes(t *testing.T) {
	var word uint32
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewSpinLock(&word, time.Second)
			for j := 0; j < 200; j++ {
				if !assert.NoError(t, l.Lock(context.Background())) {
					return
				}
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, counter)
	assert.Zero(t, word)
}

func TestSpinLockTimeout(t *testing.T) {
	var word uint32
	holder := NewSpinLock(&word, time.Second)
	require.True(t, holder.TryLock())
	assert.Equal(t, uint32(os.Getpid()), holder.Holder())

	waiter := NewSpinLock(&word, 20*time.Millisecond)
	assert.False(t, waiter.TryLock())
	assert.ErrorIs(t, waiter.Lock(context.Background()), ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewSpinLock(&word, time.Minute).Lock(ctx), context.Canceled)

	holder.Unlock()
	assert.NoError(t, waiter.Lock(context.Background()))
}
