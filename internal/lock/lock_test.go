package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, ItemKey(1))
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, m.entries, "entries must be released")
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock1, err := m.Lock(ctx, ItemKey(1))
	require.NoError(t, err)
	defer unlock1()

	unlock2, err := m.Lock(ctx, ItemKey(2))
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	require.ErrorIs(t, err, ErrNotAcquired)

	unlock()
	unlock()

	unlock, err = m.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Second, zap.NewNop()), mr
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	l, mr := newRedisLocker(t)

	unlock, err := l.Lock(context.Background(), ItemKey(7))
	require.NoError(t, err)
	assert.True(t, mr.Exists(ItemKey(7)))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, ItemKey(7))
	require.ErrorIs(t, err, ErrNotAcquired)

	unlock()
	assert.False(t, mr.Exists(ItemKey(7)))

	unlock, err = l.Lock(context.Background(), ItemKey(7))
	require.NoError(t, err)
	unlock()
}

func TestRedisLocker_DoesNotReleaseForeignLease(t *testing.T) {
	l, mr := newRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "auction:item:9")
	require.NoError(t, err)

	// аренда истекла и ключ занял другой процесс
	require.NoError(t, mr.Set("auction:item:9", "someone-else"))
	unlock()

	got, err := mr.Get("auction:item:9")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_LeaseHasTTL(t *testing.T) {
	l, mr := newRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	assert.Greater(t, mr.TTL("k"), time.Duration(0))
	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("k"), "lease must expire if the holder dies")
}
