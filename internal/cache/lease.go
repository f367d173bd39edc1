package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseHeld is returned when another holder owns the lease.
var ErrLeaseHeld = errors.New("lease held by another run")

// Lease is a named, TTL-bounded mutual exclusion token held in the cache.
type Lease struct {
	provider Provider
	key      string
	token    []byte
}

// AcquireLease claims name for ttl. It returns ErrLeaseHeld when the name is already claimed.
func AcquireLease(ctx context.Context, p Provider, name string, ttl time.Duration) (*Lease, error) {
	token := []byte(uuid.NewString())
	key := "lease:" + name
	ok, err := p.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{provider: p, key: key, token: token}, nil
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.provider.CompareAndDel(ctx, l.key, l.token)
	return err
}
