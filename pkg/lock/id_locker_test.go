package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesSameID(t *testing.T) {
	locker := NewIdLocker[string]()

	var (
		wg      sync.WaitGroup
		counter int
		inside  int
		maxSeen int
		mu      sync.Mutex
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock("t1", func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				counter++

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}

	wg.Wait()
	require.Equal(t, 50, counter)
	require.Equal(t, 1, maxSeen)
	require.Equal(t, 0, locker.Len())
}

func TestDifferentIDsDoNotBlock(t *testing.T) {
	locker := NewIdLocker[int]()
	locker.AcquireLock(1)

	done := make(chan struct{})
	go func() {
		locker.AcquireLock(2)
		locker.ReleaseLock(2)
		close(done)
	}()
	<-done

	require.Equal(t, 1, locker.Len())
	locker.ReleaseLock(1)
	require.Equal(t, 0, locker.Len())
}
