// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	provider *TestProvider
	backend  *TestBackend
	nav      *TestNavigator
	reporter *TestReporter
	store    *MemAttemptStore
	o        *Orchestrator
}

func testOrchestrator(t *testing.T, opt ...Option) *testHarness {
	t.Helper()
	require := require.New(t)
	h := &testHarness{
		provider: NewTestProvider(),
		backend:  NewTestBackend(),
		nav:      &TestNavigator{},
		reporter: &TestReporter{},
		store:    &MemAttemptStore{},
	}
	c, err := NewConfig(opt...)
	require.NoError(err)
	h.o, err = NewOrchestrator(context.Background(), c, h.provider, h.backend, h.nav, WithReporter(h.reporter), WithAttemptStore(h.store))
	require.NoError(err)
	return h
}

func testWait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out, ok := <-ch:
		require.True(t, ok, "outcome channel closed without an outcome")
		_, open := <-ch
		assert.False(t, open, "outcome channel should be closed after one outcome")
		return out
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for outcome")
	}
	return Outcome{}
}

func TestNewOrchestrator(t *testing.T) {
	t.Parallel()
	c, err := NewConfig()
	require.NoError(t, err)
	p, b, nav := NewTestProvider(), NewTestBackend(), &TestNavigator{}
	tests := []struct {
		name      string
		config    *Config
		provider  Provider
		backend   Backend
		nav       Navigator
		wantIsErr error
	}{
		{name: "valid", config: c, provider: p, backend: b, nav: nav},
		{name: "nil-provider", config: c, backend: b, nav: nav, wantIsErr: ErrNilParameter},
		{name: "nil-backend", config: c, provider: p, nav: nav, wantIsErr: ErrNilParameter},
		{name: "nil-navigator", config: c, provider: p, backend: b, wantIsErr: ErrNilParameter},
		{name: "nil-config", provider: p, backend: b, nav: nav, wantIsErr: ErrNilParameter},
		{name: "invalid-config", config: &Config{LogoutURL: "/logout"}, provider: p, backend: b, nav: nav, wantIsErr: ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewOrchestrator(context.Background(), tt.config, tt.provider, tt.backend, tt.nav)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted %q but got %q", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(StatusIdle, got.Attempt().Status)
		})
	}
	t.Run("restores-awaiting-attempt", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := &MemAttemptStore{}
		require.NoError(s.SaveAttempt(context.Background(), &Attempt{Strategy: StrategyRedirect, Status: StatusAwaitingRedirectResult}))
		got, err := NewOrchestrator(context.Background(), c, p, b, nav, WithAttemptStore(s))
		require.NoError(err)
		assert.Equal(Attempt{Strategy: StrategyRedirect, Status: StatusAwaitingRedirectResult}, got.Attempt())
	})
	t.Run("ignores-terminal-attempt", func(t *testing.T) {
		require := require.New(t)
		s := &MemAttemptStore{}
		require.NoError(s.SaveAttempt(context.Background(), &Attempt{Strategy: StrategyPopup, Status: StatusInProgress}))
		got, err := NewOrchestrator(context.Background(), c, p, b, nav, WithAttemptStore(s))
		require.NoError(err)
		assert.Equal(t, StatusIdle, got.Attempt().Status)
	})
}

func TestOrchestrator_BeginSignIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("popup-success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusSucceeded, out.Status)
		assert.Equal(StrategyPopup, out.Strategy)
		assert.False(out.FellBack)
		assert.Equal("/dashboard", out.Navigated)
		assert.Equal([]string{"/dashboard"}, h.nav.Targets())
		assert.Equal(StatusSucceeded, h.o.Attempt().Status)
		assert.Len(h.backend.Identities(), 1)
		assert.Equal(1, h.reporter.Clears())
		assert.Empty(h.reporter.Reported())
	})
	t.Run("clears-previous-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(nil, NewError(KindNetworkFailure))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		require.NotNil(out.Err)
		assert.Equal(KindNetworkFailure, h.o.Attempt().LastError.Kind)

		h.provider.SetPopupResult(TestIdentity(), nil)
		ch, err = h.o.BeginSignIn(ctx)
		require.NoError(err)
		out = testWait(t, ch)
		assert.Equal(StatusSucceeded, out.Status)
		assert.Nil(h.o.Attempt().LastError)
		assert.Equal(2, h.reporter.Clears())
	})
	t.Run("popup-blocked-falls-back-to-redirect", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(nil, NewError(KindPopupBlocked))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusAwaitingRedirectResult, out.Status)
		assert.Equal(StrategyRedirect, out.Strategy)
		assert.True(out.FellBack)
		assert.Nil(out.Err)
		assert.Empty(h.reporter.Reported())
		assert.Equal(TestProviderCalls{Popup: 1, Redirect: 1}, h.provider.Calls())

		persisted, err := h.store.LoadAttempt(ctx)
		require.NoError(err)
		require.NotNil(persisted)
		assert.Equal(StatusAwaitingRedirectResult, persisted.Status)
	})
	t.Run("popup-closed-falls-back-to-redirect", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(nil, NewError(KindPopupClosed))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusAwaitingRedirectResult, out.Status)
		assert.True(out.FellBack)
	})
	t.Run("popup-blocked-then-redirect-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(nil, NewError(KindPopupBlocked))
		h.provider.SetRedirectErr(NewError(KindPopupBlocked, WithMsg("redirect could not start")))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.Equal(StrategyRedirect, out.Strategy)
		assert.True(out.FellBack)
		assert.Equal(TestProviderCalls{Popup: 1, Redirect: 1}, h.provider.Calls())
		require.Len(h.reporter.Reported(), 1)
		assert.Len(h.backend.Identities(), 0)
		assert.Empty(h.nav.Targets())
	})
	t.Run("terminal-popup-error-does-not-fall-back", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(nil, NewError(KindProviderMethodDisabled))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.False(out.FellBack)
		require.NotNil(out.Err)
		assert.Equal(KindProviderMethodDisabled, out.Err.Kind)
		assert.Equal(TestProviderCalls{Popup: 1}, h.provider.Calls())
		assert.Equal([]*Err{out.Err}, h.reporter.Reported())
	})
	t.Run("popup-only-does-not-fall-back", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t, WithStrategies(StrategyPopup))
		h.provider.SetPopupResult(nil, NewError(KindPopupBlocked))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.Equal(KindPopupBlocked, out.Err.Kind)
		assert.Equal(TestProviderCalls{Popup: 1}, h.provider.Calls())
	})
	t.Run("redirect-first-never-tries-popup", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t, WithStrategies(StrategyRedirect, StrategyPopup))
		h.provider.SetRedirectErr(NewError(KindPopupBlocked))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.False(out.FellBack)
		assert.Equal(TestProviderCalls{Redirect: 1}, h.provider.Calls())
	})
	t.Run("unclassified-error-is-unknown", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(nil, errors.New("boom"))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		require.NotNil(out.Err)
		assert.Equal(KindUnknown, out.Err.Kind)
		assert.Contains(out.Err.UserMessage(), "boom")
	})
	t.Run("origin-error-carries-diagnostic-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t, WithDiagnosticURL("https://example.com/diagnose"))
		h.provider.SetPopupResult(nil, NewError(KindOriginNotAuthorized))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		require.NotNil(out.Err)
		assert.Contains(out.Err.UserMessage(), "https://example.com/diagnose")
	})
	t.Run("identity-without-credential", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPopupResult(&Identity{Subject: "alice"}, nil)
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.True(errors.Is(out.Err, ErrMissingCredential))
		assert.Len(h.backend.Identities(), 0)
	})
}

func TestOrchestrator_BeginSignIn_inProgress(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	h := testOrchestrator(t)
	release := h.provider.BlockPopup()

	ch, err := h.o.BeginSignIn(ctx)
	require.NoError(err)
	assert.Equal(StatusInProgress, h.o.Attempt().Status)

	second, err := h.o.BeginSignIn(ctx)
	require.Error(err)
	assert.Nil(second)
	assert.True(errors.Is(err, ErrAttemptInProgress))

	_, err = h.o.ResolvePendingResult(ctx)
	assert.True(errors.Is(err, ErrAttemptInProgress))

	release()
	out := testWait(t, ch)
	assert.Equal(StatusSucceeded, out.Status)
	assert.Len(h.backend.Identities(), 1)
	assert.Equal(1, h.provider.Calls().Popup)
}

func TestOrchestrator_ResolvePendingResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no-op-for-every-prior-status", func(t *testing.T) {
		for _, prior := range []Status{StatusIdle, StatusAwaitingRedirectResult, StatusSucceeded, StatusFailed} {
			prior := prior
			t.Run(prior.String(), func(t *testing.T) {
				assert, require := assert.New(t), require.New(t)
				h := testOrchestrator(t)
				h.o.attempt = Attempt{Strategy: StrategyRedirect, Status: prior}
				ch, err := h.o.ResolvePendingResult(ctx)
				require.NoError(err)
				out := testWait(t, ch)
				assert.True(out.NoOp)
				assert.Nil(out.Err)
				assert.Equal(prior, out.Status)
				assert.Equal(prior, h.o.Attempt().Status)
				assert.Empty(h.reporter.Reported())
				assert.Empty(h.nav.Targets())
				assert.Empty(h.backend.Identities())
			})
		}
	})
	t.Run("success-navigates", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		h.backend.SetResult(&ServerAuthResult{Success: true, RedirectTarget: "/dashboard"}, nil)
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusSucceeded, out.Status)
		assert.Equal(StatusSucceeded, h.o.Attempt().Status)
		assert.Equal([]string{"/dashboard"}, h.nav.Targets())
		assert.Equal([]*Identity{TestIdentity()}, h.backend.Identities())
	})
	t.Run("success-without-redirect-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		h.backend.SetResult(&ServerAuthResult{Success: true}, nil)
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.Equal(StatusFailed, h.o.Attempt().Status)
		require.NotNil(out.Err)
		assert.Equal(KindBackendRejected, out.Err.Kind)
		assert.True(errors.Is(out.Err, ErrMissingRedirect))
		assert.Empty(h.nav.Targets())
	})
	t.Run("backend-rejected-message-verbatim", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		h.backend.SetResult(&ServerAuthResult{Success: false, Error: "disabled account"}, nil)
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		require.Len(h.reporter.Reported(), 1)
		assert.Equal("disabled account", h.reporter.Reported()[0].UserMessage())
		assert.Equal("disabled account", h.o.Attempt().LastError.UserMessage())
		assert.Empty(h.nav.Targets())
	})
	t.Run("backend-rejected-without-reason", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		h.backend.SetResult(&ServerAuthResult{Success: false}, nil)
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(msgBackendRejected, out.Err.UserMessage())
	})
	t.Run("malformed-response", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		h.backend.SetResult(nil, ErrMalformedResponse)
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.Equal(KindBackendRejected, out.Err.Kind)
		assert.Equal(msgBackendRejected, out.Err.UserMessage())
	})
	t.Run("network-failure", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		h.backend.SetResult(nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(KindNetworkFailure, out.Err.Kind)
		assert.NotContains(out.Err.UserMessage(), "connection refused")
	})
	t.Run("provider-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.o.attempt = Attempt{Strategy: StrategyRedirect, Status: StatusAwaitingRedirectResult}
		h.provider.SetPendingResult(nil, NewError(KindUserCancelled, WithMsg("access_denied")))
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusFailed, out.Status)
		assert.Equal(KindUserCancelled, out.Err.Kind)
		assert.Equal(msgUserCancelled, out.Err.UserMessage())
	})
	t.Run("resolves-exactly-once", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetPendingResult(TestIdentity(), nil)
		ch, err := h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		assert.Equal(StatusSucceeded, testWait(t, ch).Status)

		ch, err = h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.True(out.NoOp)
		assert.Len(h.backend.Identities(), 1)
	})
	t.Run("redirect-round-trip-across-restart", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t, WithStrategies(StrategyRedirect))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		assert.Equal(StatusAwaitingRedirectResult, testWait(t, ch).Status)

		c, err := NewConfig(WithStrategies(StrategyRedirect))
		require.NoError(err)
		reloaded, err := NewOrchestrator(ctx, c, h.provider, h.backend, h.nav, WithAttemptStore(h.store), WithReporter(h.reporter))
		require.NoError(err)
		assert.Equal(StatusAwaitingRedirectResult, reloaded.Attempt().Status)

		h.provider.SetPendingResult(TestIdentity(), nil)
		ch, err = reloaded.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.Equal(StatusSucceeded, out.Status)
		persisted, err := h.store.LoadAttempt(ctx)
		require.NoError(err)
		assert.Nil(persisted)
	})
	t.Run("expired-redirect-is-forgotten", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t, WithStrategies(StrategyRedirect))
		ch, err := h.o.BeginSignIn(ctx)
		require.NoError(err)
		assert.Equal(StatusAwaitingRedirectResult, testWait(t, ch).Status)

		// still pending: the persisted attempt stays
		ch, err = h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		assert.True(testWait(t, ch).NoOp)
		persisted, err := h.store.LoadAttempt(ctx)
		require.NoError(err)
		require.NotNil(persisted)

		h.provider.AbandonRedirect()
		ch, err = h.o.ResolvePendingResult(ctx)
		require.NoError(err)
		out := testWait(t, ch)
		assert.True(out.NoOp)
		assert.Equal(StatusAwaitingRedirectResult, out.Status)
		assert.Equal(StatusAwaitingRedirectResult, h.o.Attempt().Status)
		assert.Empty(h.reporter.Reported())
		persisted, err = h.store.LoadAttempt(ctx)
		require.NoError(err)
		assert.Nil(persisted)

		c, err := NewConfig(WithStrategies(StrategyRedirect))
		require.NoError(err)
		reloaded, err := NewOrchestrator(ctx, c, h.provider, h.backend, h.nav, WithAttemptStore(h.store))
		require.NoError(err)
		assert.Equal(StatusIdle, reloaded.Attempt().Status)
	})
}

func TestOrchestrator_SignOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		assert := assert.New(t)
		h := testOrchestrator(t)
		out := testWait(t, h.o.SignOut(ctx))
		assert.Nil(out.Err)
		assert.Equal(DefaultLogoutURL, out.Navigated)
		assert.Equal([]string{DefaultLogoutURL}, h.nav.Targets())
		assert.Equal(1, h.provider.Calls().SignOut)
	})
	t.Run("custom-logout-url", func(t *testing.T) {
		h := testOrchestrator(t, WithLogoutURL("/session/end"))
		out := testWait(t, h.o.SignOut(ctx))
		assert.Equal(t, "/session/end", out.Navigated)
	})
	t.Run("failure-does-not-navigate", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.provider.SetSignOutErr(errors.New("revocation failed"))
		out := testWait(t, h.o.SignOut(ctx))
		require.NotNil(out.Err)
		assert.Empty(out.Navigated)
		assert.Empty(h.nav.Targets())
		assert.Equal([]*Err{out.Err}, h.reporter.Reported())
	})
	t.Run("navigation-failure-is-reported", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testOrchestrator(t)
		h.nav.SetErr(errors.New("no browser"))
		out := testWait(t, h.o.SignOut(ctx))
		require.NotNil(out.Err)
		assert.Equal(KindUnknown, out.Err.Kind)
		assert.Empty(out.Navigated)
	})
}
