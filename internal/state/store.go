// Package state stores per-student adaptation state behind an atomic
// read-modify-write interface. Updates to one student are serialized;
// different students proceed in parallel.
package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrInvariant marks a mutator result that would break the state shape.
	ErrInvariant = errors.New("state invariant violated")
	// ErrVersionNotFound is returned by history lookups.
	ErrVersionNotFound = errors.New("state version not found")
)

// #region interfaces

// Store is the adaptation state store.
type Store interface {
	// Get returns the student's state, creating and persisting the default
	// state on first access.
	Get(ctx context.Context, studentID string) (StudentState, error)
	// Update applies mutator atomically and returns the committed state.
	Update(ctx context.Context, studentID string, mutator Mutator) (StudentState, error)
	Close() error
}

// VersionedStore keeps every committed state and can restore one.
type VersionedStore interface {
	Store
	ListVersions(ctx context.Context, studentID string, limit int) ([]StudentState, error)
	Rollback(ctx context.Context, studentID, versionID string) (StudentState, error)
}

// Options are shared by every backend.
type Options struct {
	// Concepts is the knowledge vector length.
	Concepts int
	// Guard runs after CheckInvariants; nil skips it.
	Guard Guard
}

// #endregion interfaces

// #region invariants

// CheckInvariants verifies the structural rules every committed state obeys.
func CheckInvariants(prev, next StudentState, concepts int) error {
	if next.StudentID != prev.StudentID {
		return fmt.Errorf("%w: student id changed %q -> %q", ErrInvariant, prev.StudentID, next.StudentID)
	}
	if len(next.KnowledgeVector) != concepts {
		return fmt.Errorf("%w: knowledge vector length %d, want %d", ErrInvariant, len(next.KnowledgeVector), concepts)
	}
	if len(next.LearningVelocity) != concepts {
		return fmt.Errorf("%w: velocity length %d, want %d", ErrInvariant, len(next.LearningVelocity), concepts)
	}
	for i, k := range next.KnowledgeVector {
		if math.IsNaN(k) || k < 0 || k > 1 {
			return fmt.Errorf("%w: knowledge[%d]=%v outside [0,1]", ErrInvariant, i, k)
		}
	}
	for i, v := range next.LearningVelocity {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: velocity[%d] not finite", ErrInvariant, i)
		}
	}
	if next.InteractionCount < prev.InteractionCount {
		return fmt.Errorf("%w: interaction count decreased %d -> %d", ErrInvariant, prev.InteractionCount, next.InteractionCount)
	}
	if next.AdaptationContext.Version < prev.AdaptationContext.Version {
		return fmt.Errorf("%w: adaptation context version decreased", ErrInvariant)
	}
	return nil
}

// mutate runs mutator on a private copy of cur and validates the result.
// changed is false when the mutator returned an equivalent state.
func mutate(cur StudentState, mutator Mutator, opts Options) (next StudentState, changed bool, err error) {
	next, err = mutator(cur.Clone())
	if err != nil {
		return StudentState{}, false, err
	}
	next.VersionID, next.ParentID = cur.VersionID, cur.ParentID
	if next.SameContent(cur) {
		return cur, false, nil
	}
	if err := CheckInvariants(cur, next, opts.Concepts); err != nil {
		return StudentState{}, false, err
	}
	if opts.Guard != nil {
		if err := opts.Guard(cur, next); err != nil {
			return StudentState{}, false, fmt.Errorf("%w: %v", ErrInvariant, err)
		}
	}
	if !next.LastUpdated.After(cur.LastUpdated) {
		next.LastUpdated = time.Now().UTC()
	}
	return next, true, nil
}

// #endregion invariants

// #region key-locks

// keyLocks hands out one mutex per key, dropped once no goroutine holds or
// waits on it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock blocks until key is held or ctx is done. The returned func releases it.
func (k *keyLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { k.release(key, l) }, nil
	case <-ctx.Done():
		// Hand the lock back once the waiter goroutine gets it.
		go func() {
			<-acquired
			k.release(key, l)
		}()
		return nil, ctx.Err()
	}
}

func (k *keyLocks) release(key string, l *keyLock) {
	l.mu.Unlock()
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// #endregion key-locks
