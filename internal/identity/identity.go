// Package identity is the Identity Provider collaborator. The engine
// never validates credentials itself; it only reacts to identity changes.
package identity

import (
	"context"
	"sync"
)

// Identity is either an authenticated user or anonymous (empty UserID).
// DeviceID identifies the device either way; an anonymous shopper's cart
// lives under it.
type Identity struct {
	UserID   string
	DeviceID string
}

func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}

type ChangeFunc func(old, new Identity)

type Provider interface {
	CurrentIdentity(ctx context.Context) (Identity, error)
	OnIdentityChange(fn ChangeFunc)
}

// MemoryProvider is a process-local provider used for wiring and tests.
type MemoryProvider struct {
	mu        sync.RWMutex
	current   Identity
	callbacks []ChangeFunc
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

func (p *MemoryProvider) CurrentIdentity(context.Context) (Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

func (p *MemoryProvider) OnIdentityChange(fn ChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

// SetIdentity switches the current identity and fires callbacks with the
// old and new values. Login is the anonymous→user transition.
func (p *MemoryProvider) SetIdentity(next Identity) {
	p.mu.Lock()
	old := p.current
	p.current = next
	callbacks := make([]ChangeFunc, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, next)
	}
}
