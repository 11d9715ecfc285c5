package localini

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// InstanceLock prevents two lifecycle managers from running concurrently
// against the same state directory.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireLock takes the per-directory lock without blocking. A held lock is
// a ConfigError: the operator is running a second instance against the same
// directory.
func AcquireLock(dir string) (*InstanceLock, error) {
	fl := flock.New(filepath.Join(dir, "primenet.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, &domain.LocalIOError{Path: fl.Path(), Err: err}
	}
	if !ok {
		return nil, &domain.ConfigError{
			Reason: fmt.Sprintf("another instance is already running against %s", dir),
			Remedy: "stop the other instance or use a separate working directory",
		}
	}
	return &InstanceLock{fl: fl}, nil
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
