// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/caplogin/callback"
	"github.com/hashicorp/caplogin/login"
	"github.com/hashicorp/caplogin/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpen(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpen(t *testing.T) {
	t.Parallel()
	t.Run("empty-path", func(t *testing.T) {
		_, err := Open(" ")
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
	t.Run("locked", func(t *testing.T) {
		_, path := testOpen(t)
		_, err := Open(path, WithOpenTimeout(50*time.Millisecond))
		assert.Error(t, err)
	})
	t.Run("closed", func(t *testing.T) {
		s, _ := testOpen(t)
		require.NoError(t, s.Close())
		var nilStore *Store
		assert.NoError(t, nilStore.Close())
		_, err := nilStore.LoadAttempt(context.Background())
		assert.ErrorIs(t, err, ErrNotOpen)
	})
}

func TestStore_Attempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	s, path := testOpen(t)

	got, err := s.LoadAttempt(ctx)
	require.NoError(err)
	assert.Nil(got)

	require.ErrorIs(s.SaveAttempt(ctx, nil), ErrNilParameter)
	require.NoError(s.SaveAttempt(ctx, &login.Attempt{
		Strategy:  login.StrategyRedirect,
		Status:    login.StatusAwaitingRedirectResult,
		LastError: login.NewError(login.KindPopupBlocked),
	}))

	// survives a restart
	require.NoError(s.Close())
	s, err = Open(path)
	require.NoError(err)
	defer s.Close()

	got, err = s.LoadAttempt(ctx)
	require.NoError(err)
	assert.Equal(&login.Attempt{
		Strategy: login.StrategyRedirect,
		Status:   login.StatusAwaitingRedirectResult,
	}, got)

	require.NoError(s.DeleteAttempt(ctx))
	got, err = s.LoadAttempt(ctx)
	require.NoError(err)
	assert.Nil(got)
}

func TestStore_Requests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	s, _ := testOpen(t)

	require.ErrorIs(s.SaveRequest(ctx, nil), ErrNilParameter)
	require.ErrorIs(s.SaveRequest(ctx, &oidc.Request{}), ErrInvalidParameter)

	now := time.Now()
	withNow := oidc.WithNow(func() time.Time { return now })
	r1, err := oidc.NewRequest(time.Minute, "https://app.example.com/callback", withNow)
	require.NoError(err)
	r2, err := oidc.NewRequest(time.Hour, "https://app.example.com/callback", withNow)
	require.NoError(err)
	require.NoError(s.SaveRequest(ctx, r1))
	require.NoError(s.SaveRequest(ctx, r2))
	n, err := s.CountRequests(ctx)
	require.NoError(err)
	assert.Equal(2, n)

	got, err := s.Request(ctx, r1.ID)
	require.NoError(err)
	assert.Equal(r1.ID, got.ID)
	assert.Equal(r1.Verifier, got.Verifier)
	assert.True(r1.Expiration.Equal(got.Expiration))
	_, err = s.Request(ctx, "unknown")
	assert.ErrorIs(err, oidc.ErrNotFound)

	taken, err := s.TakeCompletedRequest(ctx)
	require.NoError(err)
	assert.Nil(taken)

	got.Response = &callback.Response{State: got.ID, Code: "code"}
	require.NoError(s.SaveRequest(ctx, got))
	taken, err = s.TakeCompletedRequest(ctx)
	require.NoError(err)
	require.NotNil(taken)
	assert.Equal(r1.ID, taken.ID)
	assert.Equal("code", taken.Response.Code)
	_, err = s.Request(ctx, r1.ID)
	assert.ErrorIs(err, oidc.ErrNotFound)

	require.NoError(s.SaveRequest(ctx, r1))
	n, err = s.DeleteExpiredRequests(ctx, now.Add(2*time.Minute))
	require.NoError(err)
	assert.Equal(1, n)
	_, err = s.Request(ctx, r2.ID)
	require.NoError(err)

	require.NoError(s.DeleteRequest(ctx, r2.ID))
	require.NoError(s.DeleteRequest(ctx, r2.ID))

	require.NoError(s.SaveRequest(ctx, r1))
	require.NoError(s.SaveRequest(ctx, r2))
	require.NoError(s.ClearRequests(ctx))
	n, err = s.DeleteExpiredRequests(ctx, now.Add(24*time.Hour))
	require.NoError(err)
	assert.Equal(0, n)
	n, err = s.CountRequests(ctx)
	require.NoError(err)
	assert.Equal(0, n)
}

func TestStore_Canceled(t *testing.T) {
	t.Parallel()
	s, _ := testOpen(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SaveAttempt(ctx, &login.Attempt{}), context.Canceled)
	assert.ErrorIs(t, s.ClearRequests(ctx), context.Canceled)
}

func TestStore_Orchestrator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	s, path := testOpen(t)

	c, err := login.NewConfig(login.WithStrategies(login.StrategyRedirect))
	require.NoError(err)
	p := login.NewTestProvider()
	o, err := login.NewOrchestrator(ctx, c, p, login.NewTestBackend(), &login.TestNavigator{}, login.WithAttemptStore(s))
	require.NoError(err)
	ch, err := o.BeginSignIn(ctx)
	require.NoError(err)
	out := <-ch
	assert.Equal(login.StatusAwaitingRedirectResult, out.Status)

	// a new process picks up the awaiting attempt
	require.NoError(s.Close())
	s2, err := Open(path)
	require.NoError(err)
	defer s2.Close()
	o2, err := login.NewOrchestrator(ctx, c, p, login.NewTestBackend(), &login.TestNavigator{}, login.WithAttemptStore(s2))
	require.NoError(err)
	assert.Equal(login.StatusAwaitingRedirectResult, o2.Attempt().Status)
	assert.Equal(login.StrategyRedirect, o2.Attempt().Strategy)
}
