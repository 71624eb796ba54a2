package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

const lockRetryDelay = 250 * time.Millisecond

// RepoLocks serializes filesystem mutations on a per-repository basis
// using advisory file locks, so concurrent jobs (refresh vs rebuild)
// never touch the same clone or index tree at once.
type RepoLocks struct {
	dir string
}

// NewRepoLocks creates a lock manager rooted at dir.
func NewRepoLocks(dir string) (*RepoLocks, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "creating lock directory", err)
	}
	return &RepoLocks{dir: dir}, nil
}

// Acquire blocks until the lock for the named repository is held or the
// context expires. The returned release function must be called exactly
// once.
func (l *RepoLocks) Acquire(ctx context.Context, name string) (func(), error) {
	fl := flock.New(filepath.Join(l.dir, name+".lock"))
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindTimeout, fmt.Sprintf("waiting for lock on %q", name), ctx.Err())
		}
		return nil, errs.Wrap(errs.KindInternal, fmt.Sprintf("locking %q", name), err)
	}
	if !ok {
		return nil, errs.Newf(errs.KindConflict, "repository %q is locked", name)
	}
	return func() { _ = fl.Unlock() }, nil
}
