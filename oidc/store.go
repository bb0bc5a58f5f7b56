// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RequestStore persists redirect requests until the provider's response has
// been recorded and resolved. Implementations must be concurrently safe.
type RequestStore interface {
	// SaveRequest creates or replaces the request with the same ID.
	SaveRequest(ctx context.Context, r *Request) error

	// Request returns the request for id, or an error wrapping ErrNotFound.
	Request(ctx context.Context, id string) (*Request, error)

	// TakeCompletedRequest removes and returns a request which has a
	// recorded response. It returns nil when there is none.
	TakeCompletedRequest(ctx context.Context) (*Request, error)

	// DeleteRequest removes the request for id. It's not an error if the
	// request doesn't exist.
	DeleteRequest(ctx context.Context, id string) error

	// DeleteExpiredRequests removes every request which expires before
	// the given time and returns how many were removed.
	DeleteExpiredRequests(ctx context.Context, before time.Time) (int, error)

	// CountRequests returns how many requests are stored.
	CountRequests(ctx context.Context) (int, error)

	// ClearRequests removes every request.
	ClearRequests(ctx context.Context) error
}

// MemRequestStore is an in-memory RequestStore.
type MemRequestStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

var _ RequestStore = (*MemRequestStore)(nil)

// NewMemRequestStore creates an empty MemRequestStore.
func NewMemRequestStore() *MemRequestStore {
	return &MemRequestStore{requests: map[string]*Request{}}
}

// SaveRequest implements RequestStore.
func (s *MemRequestStore) SaveRequest(_ context.Context, r *Request) error {
	const op = "oidc.(MemRequestStore).SaveRequest"
	if r == nil {
		return fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.ID == "" {
		return fmt.Errorf("%s: request id is empty: %w", op, ErrInvalidParameter)
	}
	cp := *r
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = &cp
	return nil
}

// Request implements RequestStore.
func (s *MemRequestStore) Request(_ context.Context, id string) (*Request, error) {
	const op = "oidc.(MemRequestStore).Request"
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%s: request %q: %w", op, id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// TakeCompletedRequest implements RequestStore. Requests are taken in ID
// order.
func (s *MemRequestStore) TakeCompletedRequest(_ context.Context) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r := s.requests[id]; r.Completed() {
			delete(s.requests, id)
			return r, nil
		}
	}
	return nil, nil
}

// DeleteRequest implements RequestStore.
func (s *MemRequestStore) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// DeleteExpiredRequests implements RequestStore.
func (s *MemRequestStore) DeleteExpiredRequests(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, r := range s.requests {
		if r.Expiration.Before(before) {
			delete(s.requests, id)
			n++
		}
	}
	return n, nil
}

// CountRequests implements RequestStore.
func (s *MemRequestStore) CountRequests(context.Context) (int, error) {
	return s.Len(), nil
}

// ClearRequests implements RequestStore.
func (s *MemRequestStore) ClearRequests(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = map[string]*Request{}
	return nil
}

// Len returns the number of stored requests.
func (s *MemRequestStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
