package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// Resolver turns a Resolution into concrete recipients for an intent.
// Implementations are consulted on every evaluation; results must not be cached.
type Resolver interface {
	Resolve(ctx context.Context, r Resolution, in intent.Intent) ([]string, error)
}

// LookupFunc implements a named dynamic lookup, e.g. the emergency contacts
// of the intent's subject.
type LookupFunc func(ctx context.Context, in intent.Intent) ([]string, error)

// Directory is a Resolver backed by role membership and named lookups.
// Membership may change at runtime; every Resolve call sees the current state.
type Directory struct {
	mu      sync.RWMutex
	roles   map[string][]string
	lookups map[string]LookupFunc
}

// NewDirectory creates a directory with the given role membership.
func NewDirectory(roles map[string][]string) *Directory {
	d := &Directory{
		roles:   make(map[string][]string, len(roles)),
		lookups: make(map[string]LookupFunc),
	}
	for role, members := range roles {
		d.roles[role] = append([]string(nil), members...)
	}
	return d
}

// SetRole replaces the members of a role.
func (d *Directory) SetRole(role string, members []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[role] = append([]string(nil), members...)
}

// RegisterLookup installs a named dynamic lookup.
func (d *Directory) RegisterLookup(name string, fn LookupFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups[name] = fn
}

// SubjectLookup returns a LookupFunc over a static subject → recipients table.
func SubjectLookup(table map[string][]string) LookupFunc {
	return func(_ context.Context, in intent.Intent) ([]string, error) {
		return append([]string(nil), table[in.SubjectID]...), nil
	}
}

// Resolve implements Resolver.
func (d *Directory) Resolve(ctx context.Context, r Resolution, in intent.Intent) ([]string, error) {
	switch r.Kind {
	case ResolveUser:
		return []string{r.Name}, nil

	case ResolveRole:
		d.mu.RLock()
		defer d.mu.RUnlock()
		return append([]string(nil), d.roles[r.Name]...), nil

	case ResolveDynamic:
		d.mu.RLock()
		fn, ok := d.lookups[r.Name]
		d.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown dynamic lookup %q", r.Name)
		}
		return fn(ctx, in)

	default:
		return nil, fmt.Errorf("unknown resolution kind %q", r.Kind)
	}
}

// resolveAll resolves every entry and returns the de-duplicated union in
// first-seen order.
func resolveAll(ctx context.Context, res Resolver, set []Resolution, in intent.Intent) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, r := range set {
		ids, err := res.Resolve(ctx, r, in)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", r, err)
		}
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}
