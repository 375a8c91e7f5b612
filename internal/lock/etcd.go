package lock

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Etcd is a Locker backed by etcd, for deployments where several replicas
// may receive turns for the same session.
type Etcd struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// EtcdOption configures an Etcd locker.
type EtcdOption func(*Etcd)

// WithKeyPrefix sets the etcd key prefix for session locks.
func WithKeyPrefix(prefix string) EtcdOption {
	return func(e *Etcd) { e.prefix = prefix }
}

// WithLeaseTTL sets the lease TTL in seconds. A crashed holder releases its
// locks once the lease expires.
func WithLeaseTTL(seconds int) EtcdOption {
	return func(e *Etcd) {
		if seconds > 0 {
			e.ttl = seconds
		}
	}
}

// NewEtcd creates a locker using an existing client.
func NewEtcd(client *clientv3.Client, opts ...EtcdOption) *Etcd {
	e := &Etcd{client: client, prefix: "/checkin/locks/", ttl: 30}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DialEtcd connects to endpoints and returns a locker that owns the client.
func DialEtcd(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*Etcd, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd lock: no endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd lock: connect: %w", err)
	}
	return NewEtcd(client, opts...), nil
}

// Close closes the etcd client.
func (e *Etcd) Close() error {
	return e.client.Close()
}

// Lock acquires key with a session-scoped lease.
func (e *Etcd) Lock(ctx context.Context, key string) (func(), error) {
	// The lease outlives a disconnected client until the turn releases it.
	sess, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl), concurrency.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		return nil, fmt.Errorf("etcd lock: session: %w", err)
	}
	mu := concurrency.NewMutex(sess, e.prefix+key)
	if err := mu.Lock(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("etcd lock %s: %w", key, err)
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mu.Unlock(uctx)
		_ = sess.Close()
	}, nil
}
