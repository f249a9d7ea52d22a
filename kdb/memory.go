package kdb

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kardianos/gokdc/krb5"
)

// Memory is a Database held in memory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

var _ Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Get(ctx context.Context, p krb5.Principal) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalUnknown, p)
	}
	return e.clone(), nil
}

func (m *Memory) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key(e.Principal)] = e.clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Add(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(e.Principal)
	if _, ok := m.entries[k]; ok {
		return fmt.Errorf("%w: %s", ErrPrincipalExists, e.Principal)
	}
	m.entries[k] = e.clone()
	return nil
}

func (m *Memory) Delete(ctx context.Context, p krb5.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(p)
	if _, ok := m.entries[k]; !ok {
		return fmt.Errorf("%w: %s", ErrPrincipalUnknown, p)
	}
	delete(m.entries, k)
	return nil
}

// List returns the entries sorted by principal.
func (m *Memory) List(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Entry) int {
		return strings.Compare(key(a.Principal), key(b.Principal))
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
