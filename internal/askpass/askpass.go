// Package askpass brokers interactive credential prompts for authenticated
// git network operations that may execute on the far side of a process
// boundary.
//
// Each authenticated operation allocates a locally unique askpass id and
// registers a Delegate under it. When the executing side needs a credential
// it sends an ask-password request carrying the id; the owning side looks up
// the delegate, prompts, and returns the answer. A single askpass session can
// be asked multiple times (username then password), so the delegate is
// re-inserted into the registry after every prompt and removed only when the
// enclosing operation completes.
package askpass

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoDelegate indicates a prompt arrived for an id with no registered
// delegate. This is an invariant violation on the caller's side, not a
// normal runtime condition.
var ErrNoDelegate = errors.New("no askpass delegate registered")

// Delegate answers a single credential prompt.
type Delegate interface {
	AskPassword(ctx context.Context, prompt string) (string, error)
}

// DelegateFunc adapts a function to the Delegate interface.
type DelegateFunc func(ctx context.Context, prompt string) (string, error)

// AskPassword implements Delegate.
func (f DelegateFunc) AskPassword(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Registry maps askpass ids to pending delegates. The zero value is not
// usable; create one with NewRegistry. All methods are safe for concurrent
// use.
type Registry struct {
	mu        sync.Mutex
	nextID    uint64
	delegates map[uint64]Delegate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{delegates: make(map[uint64]Delegate)}
}

// NextID allocates a monotonically increasing askpass id.
func (r *Registry) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Register stores a delegate under id for the duration of one operation.
func (r *Registry) Register(id uint64, delegate Delegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegates[id] = delegate
}

// Remove drops the delegate for id once the enclosing operation completes.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.delegates, id)
}

// Len reports the number of pending delegates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delegates)
}

// Ask routes a prompt to the delegate registered under id. The delegate is
// taken out of the registry for the duration of the prompt and re-inserted
// afterward so the same session can be asked again.
func (r *Registry) Ask(ctx context.Context, id uint64, prompt string) (string, error) {
	r.mu.Lock()
	delegate, ok := r.delegates[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("askpass id %d: %w", id, ErrNoDelegate)
	}
	delete(r.delegates, id)
	r.mu.Unlock()

	answer, err := delegate.AskPassword(ctx, prompt)

	r.mu.Lock()
	r.delegates[id] = delegate
	r.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("askpass id %d: %w", id, err)
	}
	return answer, nil
}
