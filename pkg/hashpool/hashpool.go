// Package hashpool bounds the number of in-flight password hashing
// operations. Argon2id deliberately burns CPU and memory; without a cap a
// burst of login attempts could starve every other request in the process.
package hashpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/havenchat/haven-auth/pkg/cryptox"
)

// Pool serialises access to the password hasher behind a weighted semaphore.
// Acquire honours context cancellation, so a caller that gives up waiting
// does not consume a slot.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool allowing at most workers concurrent hash computations.
// A non-positive workers defaults to GOMAXPROCS.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Hash computes an Argon2id PHC hash for password inside the pool.
func (p *Pool) Hash(ctx context.Context, password string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)

	return cryptox.HashPassword(password)
}

// Verify checks password against encodedHash inside the pool. The error
// contract is cryptox.VerifyPassword's.
func (p *Pool) Verify(ctx context.Context, password, encodedHash string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return cryptox.VerifyPassword(password, encodedHash)
}
