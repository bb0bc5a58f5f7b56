// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package store persists the local sign-in state in a bbolt database: the
// attempt awaiting a redirect result and the pending redirect requests, so
// that a sign-in survives the process exiting while the user is at the
// provider.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/caplogin/login"
	"github.com/hashicorp/caplogin/oidc"
	"github.com/kirsle/configdir"
	"go.etcd.io/bbolt"
)

const (
	// DefaultFileName is the database's file name within the config dir.
	DefaultFileName = "state.db"

	// DefaultOpenTimeout is how long Open waits for the database's file
	// lock.
	DefaultOpenTimeout = time.Second

	appName = "caplogin"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrNotOpen          = errors.New("store is not open")
)

var (
	attemptBucket  = []byte("attempt")
	requestsBucket = []byte("requests")

	currentAttemptKey = []byte("current")
)

// Store is a bbolt backed login.AttemptStore and oidc.RequestStore. It's
// concurrently safe. bbolt holds an exclusive lock on the file, so only one
// process can open a Store at a time.
type Store struct {
	db *bbolt.DB
}

var (
	_ login.AttemptStore = (*Store)(nil)
	_ oidc.RequestStore  = (*Store)(nil)
)

// DefaultPath returns the database's path within the user's local config
// dir, creating the directory if needed.
func DefaultPath() (string, error) {
	const op = "store.DefaultPath"
	dir := configdir.LocalConfig(appName)
	if err := configdir.MakePath(dir); err != nil {
		return "", fmt.Errorf("%s: unable to create config dir %s: %w", op, dir, err)
	}
	return filepath.Join(dir, DefaultFileName), nil
}

// Open opens (or creates) the database at path.
//
// Supported options: WithOpenTimeout
func Open(path string, opt ...Option) (*Store, error) {
	const op = "store.Open"
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, ErrInvalidParameter)
	}
	opts := getOpts(opt...)
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: opts.withOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to open %s: %w", op, path, err)
	}
	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{attemptBucket, requestsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("unable to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (s *Store) view(ctx context.Context, bucket []byte, fn func(b *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotOpen
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", bucket)
		}
		return fn(b)
	})
}

func (s *Store) update(ctx context.Context, bucket []byte, fn func(b *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotOpen
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", bucket)
		}
		return fn(b)
	})
}

// LoadAttempt implements login.AttemptStore.
func (s *Store) LoadAttempt(ctx context.Context) (*login.Attempt, error) {
	const op = "store.(Store).LoadAttempt"
	var a *login.Attempt
	err := s.view(ctx, attemptBucket, func(b *bbolt.Bucket) error {
		payload := b.Get(currentAttemptKey)
		if payload == nil {
			return nil
		}
		a = &login.Attempt{}
		return json.Unmarshal(payload, a)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// SaveAttempt implements login.AttemptStore. The attempt's last error is
// not persisted.
func (s *Store) SaveAttempt(ctx context.Context, a *login.Attempt) error {
	const op = "store.(Store).SaveAttempt"
	if a == nil {
		return fmt.Errorf("%s: attempt is nil: %w", op, ErrNilParameter)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal attempt: %w", op, err)
	}
	if err := s.update(ctx, attemptBucket, func(b *bbolt.Bucket) error {
		return b.Put(currentAttemptKey, payload)
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteAttempt implements login.AttemptStore.
func (s *Store) DeleteAttempt(ctx context.Context) error {
	const op = "store.(Store).DeleteAttempt"
	if err := s.update(ctx, attemptBucket, func(b *bbolt.Bucket) error {
		return b.Delete(currentAttemptKey)
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveRequest implements oidc.RequestStore.
func (s *Store) SaveRequest(ctx context.Context, r *oidc.Request) error {
	const op = "store.(Store).SaveRequest"
	if r == nil {
		return fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.ID == "" {
		return fmt.Errorf("%s: request id is empty: %w", op, ErrInvalidParameter)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal request: %w", op, err)
	}
	if err := s.update(ctx, requestsBucket, func(b *bbolt.Bucket) error {
		return b.Put([]byte(r.ID), payload)
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Request implements oidc.RequestStore.
func (s *Store) Request(ctx context.Context, id string) (*oidc.Request, error) {
	const op = "store.(Store).Request"
	var r *oidc.Request
	err := s.view(ctx, requestsBucket, func(b *bbolt.Bucket) error {
		payload := b.Get([]byte(id))
		if payload == nil {
			return fmt.Errorf("request %q: %w", id, oidc.ErrNotFound)
		}
		r = &oidc.Request{}
		return json.Unmarshal(payload, r)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// TakeCompletedRequest implements oidc.RequestStore. Requests are taken in
// ID order.
func (s *Store) TakeCompletedRequest(ctx context.Context) (*oidc.Request, error) {
	const op = "store.(Store).TakeCompletedRequest"
	var taken *oidc.Request
	err := s.update(ctx, requestsBucket, func(b *bbolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r oidc.Request
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unable to unmarshal request %q: %w", k, err)
			}
			if !r.Completed() {
				continue
			}
			taken = &r
			return b.Delete(k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return taken, nil
}

// DeleteRequest implements oidc.RequestStore.
func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	const op = "store.(Store).DeleteRequest"
	if err := s.update(ctx, requestsBucket, func(b *bbolt.Bucket) error {
		return b.Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteExpiredRequests implements oidc.RequestStore. Requests which can't
// be decoded are deleted too.
func (s *Store) DeleteExpiredRequests(ctx context.Context, before time.Time) (int, error) {
	const op = "store.(Store).DeleteExpiredRequests"
	var n int
	err := s.update(ctx, requestsBucket, func(b *bbolt.Bucket) error {
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var r oidc.Request
			if err := json.Unmarshal(v, &r); err != nil || r.Expiration.Before(before) {
				// keys are only valid for the life of the transaction
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// CountRequests implements oidc.RequestStore.
func (s *Store) CountRequests(ctx context.Context) (int, error) {
	const op = "store.(Store).CountRequests"
	var n int
	if err := s.view(ctx, requestsBucket, func(b *bbolt.Bucket) error {
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	}); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// ClearRequests implements oidc.RequestStore.
func (s *Store) ClearRequests(ctx context.Context) error {
	const op = "store.(Store).ClearRequests"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("%s: %w", op, ErrNotOpen)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(requestsBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(requestsBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

type options struct {
	withOpenTimeout time.Duration
}

func getOpts(opt ...Option) options {
	opts := options{
		withOpenTimeout: DefaultOpenTimeout,
	}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithOpenTimeout provides an optional timeout for acquiring the database's
// file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withOpenTimeout = d
		}
	}
}
