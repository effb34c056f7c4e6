package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory stand-in for the redis commands the manager
// uses.
type fakeStore struct {
	mtx  sync.Mutex
	keys map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys: make(map[string]string),
	}
}

func (f *fakeStore) setNX(_ context.Context, key, token string,
	_ time.Duration) (bool, error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if _, ok := f.keys[key]; ok {
		return false, nil
	}

	f.keys[key] = token
	return true, nil
}

func (f *fakeStore) release(_ context.Context, key, token string) (bool,
	error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.keys[key] != token {
		return false, nil
	}

	delete(f.keys, key)
	return true, nil
}

// testManager returns a manager backed by the fake store with a short
// blocking timeout.
func testManager(store *fakeStore, timeout time.Duration) *Manager {
	return &Manager{
		ttl:     DefaultTTL,
		timeout: timeout,
		setNX:   store.setNX,
		release: store.release,
	}
}

// TestAcquireRelease tests the happy path of taking and freeing a lock.
func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	manager := testManager(store, time.Second)

	lock, err := manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "cust_id_lock:alice", lock.Key())

	require.NoError(t, lock.Release(context.Background()))

	// Releasing twice reports that the lock is gone.
	require.ErrorIs(t, lock.Release(context.Background()), ErrNotHeld)
}

// TestAcquireContention tests that a held lock blocks a second taker until
// it is released, and that waiting times out.
func TestAcquireContention(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	manager := testManager(store, 300*time.Millisecond)

	first, err := manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	// A second taker times out while the lock is held.
	_, err = manager.Acquire(context.Background(), "alice")
	require.ErrorIs(t, err, ErrAcquireTimeout)

	// Once released, the lock can be taken again.
	require.NoError(t, first.Release(context.Background()))

	second, err := manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, second.Release(context.Background()))
}

// TestAcquireCancel tests that a cancelled context interrupts a waiter.
func TestAcquireCancel(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	manager := testManager(store, time.Minute)

	_, err := manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 200*time.Millisecond,
	)
	defer cancel()

	_, err = manager.Acquire(ctx, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestOwnerCheckedRelease tests that a lock retaken by another owner is not
// released by the original holder.
func TestOwnerCheckedRelease(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	manager := testManager(store, time.Second)

	lock, err := manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	// Simulate expiry and another process taking the lock.
	store.mtx.Lock()
	store.keys[lock.Key()] = "someone-else"
	store.mtx.Unlock()

	require.ErrorIs(t, lock.Release(context.Background()), ErrNotHeld)

	// The other owner's lock survives the attempt.
	store.mtx.Lock()
	require.Equal(t, "someone-else", store.keys[lock.Key()])
	store.mtx.Unlock()
}

// TestWithLock tests the convenience wrapper releases on both success and
// failure of the callback.
func TestWithLock(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	manager := testManager(store, time.Second)

	err := manager.WithLock(
		context.Background(), "alice",
		func(context.Context) error {
			store.mtx.Lock()
			defer store.mtx.Unlock()
			require.Len(t, store.keys, 1)

			return nil
		},
	)
	require.NoError(t, err)

	store.mtx.Lock()
	require.Empty(t, store.keys)
	store.mtx.Unlock()
}
