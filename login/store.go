// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"context"
	"fmt"
	"sync"
)

// AttemptStore persists the attempt across a restart so that an attempt
// awaiting a redirect result can be picked up again. Implementations must be
// concurrently safe.
type AttemptStore interface {
	// LoadAttempt returns the persisted attempt, or nil if there's none.
	LoadAttempt(ctx context.Context) (*Attempt, error)
	SaveAttempt(ctx context.Context, a *Attempt) error
	DeleteAttempt(ctx context.Context) error
}

// MemAttemptStore is an in-memory AttemptStore. It's concurrently safe.
type MemAttemptStore struct {
	mu      sync.Mutex
	attempt *Attempt
}

var _ AttemptStore = (*MemAttemptStore)(nil)

// LoadAttempt implements AttemptStore.
func (s *MemAttemptStore) LoadAttempt(_ context.Context) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return nil, nil
	}
	cp := *s.attempt
	return &cp, nil
}

// SaveAttempt implements AttemptStore.
func (s *MemAttemptStore) SaveAttempt(_ context.Context, a *Attempt) error {
	const op = "login.(MemAttemptStore).SaveAttempt"
	if a == nil {
		return fmt.Errorf("%s: attempt is nil: %w", op, ErrNilParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.LastError = nil
	s.attempt = &cp
	return nil
}

// DeleteAttempt implements AttemptStore.
func (s *MemAttemptStore) DeleteAttempt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = nil
	return nil
}
