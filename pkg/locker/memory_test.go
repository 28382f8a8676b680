package locker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/locker"
)

func TestMemoryLocker_AcquireAndRelease(t *testing.T) {
	l := locker.NewMemoryLocker()

	release, err := l.Acquire(context.Background(), "instance-1")
	require.NoError(t, err)
	release()

	release, err = l.Acquire(context.Background(), "instance-1")
	require.NoError(t, err)
	release()
}

func TestMemoryLocker_SerializesSameKey(t *testing.T) {
	l := locker.NewMemoryLocker()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			release, err := l.Acquire(context.Background(), "instance-1")
			require.NoError(t, err)

			defer release()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestMemoryLocker_IndependentKeys(t *testing.T) {
	l := locker.NewMemoryLocker()

	releaseA, err := l.Acquire(context.Background(), "instance-a")
	require.NoError(t, err)

	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	releaseB, err := l.Acquire(ctx, "instance-b")
	require.NoError(t, err)
	releaseB()
}

func TestMemoryLocker_AcquireRespectsContext(t *testing.T) {
	l := locker.NewMemoryLocker()

	release, err := l.Acquire(context.Background(), "instance-1")
	require.NoError(t, err)

	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, "instance-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLocker_ReleaseIsIdempotent(t *testing.T) {
	l := locker.NewMemoryLocker()

	release, err := l.Acquire(context.Background(), "instance-1")
	require.NoError(t, err)

	release()
	release()

	again, err := l.Acquire(context.Background(), "instance-1")
	require.NoError(t, err)
	again()
}
