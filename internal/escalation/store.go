package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// Store persists instances together with their transition audit trail.
// Each write is atomic: the instance row and its transitions commit together.
type Store interface {
	// CreateInstance inserts inst. When the dedupe key is taken it returns
	// the existing instance and ErrDuplicate.
	CreateInstance(ctx context.Context, inst *Instance, t Transition) (*Instance, error)

	// GetInstance returns ErrNotFound for unknown ids.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	UpdateInstance(ctx context.Context, inst *Instance, ts ...Transition) error

	// ListActiveBySubject returns non-terminal instances for the subject.
	ListActiveBySubject(ctx context.Context, module intent.Module, subjectID string) ([]*Instance, error)

	// ListDue returns dispatched instances whose acknowledgement window closed at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Instance, error)

	// ListInStates returns instances in any of the given states.
	ListInStates(ctx context.Context, states ...State) ([]*Instance, error)

	Transitions(ctx context.Context, instanceID string) ([]Transition, error)
}

// keyedMutex serializes work per instance id. Entries are reference
// counted and dropped when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
