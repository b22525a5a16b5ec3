package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockerSerializes(t *testing.T, l Locker, key string) {
	t.Helper()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestMemoryLocker_Serializes(t *testing.T) {
	l := NewMemoryLocker()
	testLockerSerializes(t, l, "ID-1")
	assert.Equal(t, 0, l.Len())
}

func TestMemoryLocker_IndependentKeys(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	releaseA, err := l.Lock(ctx, "A")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := l.Lock(ctx, "B")
	require.NoError(t, err)
	releaseB()
}

func TestMemoryLocker_ContextCancelled(t *testing.T) {
	l := NewMemoryLocker()

	release, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "A")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, l.Len())
}

func TestMemoryLocker_EmptyKey(t *testing.T) {
	_, err := NewMemoryLocker().Lock(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestRedisLocker_Integration(t *testing.T) {
	addr := os.Getenv("LIVEPHOTO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVEPHOTO_TEST_REDIS_ADDR not set")
	}

	l, err := NewRedisLocker(context.Background(), RedisConfig{
		Addr:          addr,
		Prefix:        "livephoto:test:" + time.Now().Format("150405.000000") + ":",
		TTL:           10 * time.Second,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	testLockerSerializes(t, l, "ID-1")

	release, err := l.Lock(context.Background(), "ID-2")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "ID-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	release()
}

func TestRedisLocker_RenewsHeldLock(t *testing.T) {
	addr := os.Getenv("LIVEPHOTO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVEPHOTO_TEST_REDIS_ADDR not set")
	}

	l, err := NewRedisLocker(context.Background(), RedisConfig{
		Addr:          addr,
		Prefix:        "livephoto:test:" + time.Now().Format("150405.000000") + ":",
		TTL:           300 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	release, err := l.Lock(context.Background(), "SLOW")
	require.NoError(t, err)

	// Held well past the TTL.
	time.Sleep(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "SLOW")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	again, err := l.Lock(context.Background(), "SLOW")
	require.NoError(t, err)
	again()
}

func TestNewRedisLocker_RequiresAddr(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
