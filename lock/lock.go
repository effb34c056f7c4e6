package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// keyPrefix namespaces every lock key in redis.
	keyPrefix = "cust_id_lock:"

	// spinInterval is how long we sleep between acquisition attempts.
	spinInterval = 100 * time.Millisecond

	// reportInterval is how often we log that we are still waiting on
	// a contended lock.
	reportInterval = 5 * time.Second

	// DefaultTimeout is the default blocking timeout for acquisition.
	DefaultTimeout = 60 * time.Second

	// DefaultTTL bounds how long a crashed holder can keep a lock. The
	// key expires in redis after this period so that a dead process
	// never wedges its customer.
	DefaultTTL = 120 * time.Second
)

var (
	// ErrAcquireTimeout is returned when a lock cannot be taken within
	// the blocking timeout.
	ErrAcquireTimeout = errors.New("could not acquire lock within " +
		"blocking timeout")

	// ErrNotHeld is returned when a release finds the lock held by
	// someone else, or already expired.
	ErrNotHeld = errors.New("lock not held by this owner")
)

// releaseScript deletes a lock key only when it still carries the owner's
// token, so a holder can never release a lock that expired and was retaken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Manager hands out distributed per-customer locks backed by redis. Locks
// serialize all processing for one customer across every daemon replica.
type Manager struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration

	// setNX and release perform the redis commands. They are set
	// within the struct so that they can be mocked for testing.
	setNX func(ctx context.Context, key, token string,
		ttl time.Duration) (bool, error)
	release func(ctx context.Context, key, token string) (bool, error)
}

// NewManager returns a lock manager with the default timeout and ttl.
func NewManager(client *redis.Client) *Manager {
	m := &Manager{
		client:  client,
		ttl:     DefaultTTL,
		timeout: DefaultTimeout,
	}

	m.setNX = func(ctx context.Context, key, token string,
		ttl time.Duration) (bool, error) {

		return m.client.SetNX(ctx, key, token, ttl).Result()
	}

	m.release = func(ctx context.Context, key, token string) (bool,
		error) {

		n, err := releaseScript.Run(
			ctx, m.client, []string{key}, token,
		).Int()
		if err != nil {
			return false, err
		}

		return n == 1, nil
	}

	return m
}

// Lock is a held lock. Release it when the critical section is done.
type Lock struct {
	manager *Manager
	key     string
	token   string
}

// Key returns the redis key the lock is held under.
func (l *Lock) Key() string {
	return l.key
}

// Acquire blocks until the lock for the given id is held, the blocking
// timeout elapses or the context is cancelled. Waiters report contention
// periodically so that a wedged customer shows up in the logs.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lock, error) {
	var (
		key      = keyPrefix + id
		token    = uuid.NewString()
		started  = time.Now()
		deadline = started.Add(m.timeout)
		reported = started
	)

	for {
		ok, err := m.setNX(ctx, key, token, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("lock %v: %w", id, err)
		}
		if ok {
			return &Lock{
				manager: m,
				key:     key,
				token:   token,
			}, nil
		}

		now := time.Now()
		if now.After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout,
				id)
		}

		if now.Sub(reported) >= reportInterval {
			log.Infof("Still waiting for lock %v after %.1f "+
				"seconds", id, now.Sub(started).Seconds())
			reported = now
		}

		select {
		case <-time.After(spinInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the lock if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.manager.release(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("release %v: %w", l.key, err)
	}
	if !ok {
		log.Warnf("Lock %v was no longer held on release", l.key)
		return ErrNotHeld
	}

	return nil
}

// WithLock runs fn while holding the lock for the given id.
func (m *Manager) WithLock(ctx context.Context, id string,
	fn func(context.Context) error) error {

	lock, err := m.Acquire(ctx, id)
	if err != nil {
		return err
	}

	defer func() {
		if err := lock.Release(ctx); err != nil &&
			!errors.Is(err, ErrNotHeld) {

			log.Errorf("could not release lock %v: %v", id, err)
		}
	}()

	return fn(ctx)
}

// Info describes a currently held lock.
type Info struct {
	ID    string        `json:"id"`
	Owner string        `json:"owner"`
	TTL   time.Duration `json:"ttl"`
}

// Active lists every held lock, for operator inspection.
func (m *Manager) Active(ctx context.Context) ([]Info, error) {
	var infos []Info

	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		owner, err := m.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, err
		}

		ttl, err := m.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, err
		}

		infos = append(infos, Info{
			ID:    key[len(keyPrefix):],
			Owner: owner,
			TTL:   ttl,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return infos, nil
}
