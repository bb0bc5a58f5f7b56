// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Provider is the external identity provider capability. Implementations
// classify their failures by returning an *Err (see NewError); any other
// error is converted with ConvertError.
type Provider interface {
	// SignInWithPopup completes a sign-in without leaving the current
	// process and returns the resulting identity.
	SignInWithPopup(ctx context.Context) (*Identity, error)

	// SignInWithRedirect sends the user to the provider. The result is
	// picked up later by PendingResult.
	SignInWithRedirect(ctx context.Context) error

	// PendingResult returns the identity of a completed redirect sign-in,
	// consuming it. It returns nil, nil when there's nothing pending.
	PendingResult(ctx context.Context) (*Identity, error)

	// SignOut clears the provider's sign-in state.
	SignOut(ctx context.Context) error
}

// RedirectTracker is implemented by providers which can tell whether a
// redirect sign-in they started can still complete.
type RedirectTracker interface {
	RedirectPending(ctx context.Context) (bool, error)
}

// Backend is the server-side session endpoint.
type Backend interface {
	// Callback forwards the identity to the backend and returns its answer.
	Callback(ctx context.Context, id *Identity) (*ServerAuthResult, error)
}

// Navigator performs a full navigation to target.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to a Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

// Reporter is the user-visible error region.
type Reporter interface {
	// Report displays the error.
	Report(e *Err)

	// Clear removes any displayed error.
	Clear()
}

type nopReporter struct{}

func (nopReporter) Report(*Err) {}
func (nopReporter) Clear()      {}

// Orchestrator owns the lifecycle of a sign-in attempt: it picks the
// strategy, falls back from popup to redirect at most once, forwards the
// provider's identity to the backend, and converts every failure into an
// *Err for the Reporter.
//
// Each operation returns immediately with a channel which receives exactly
// one Outcome and is then closed. At most one begin or resolve operation
// runs at a time.
type Orchestrator struct {
	config   *Config
	provider Provider
	backend  Backend
	nav      Navigator
	reporter Reporter
	store    AttemptStore
	logger   hclog.Logger

	mu      sync.Mutex
	attempt Attempt

	// busy is held for the whole life of a begin or resolve operation.
	busy bool
}

// NewOrchestrator creates an Orchestrator. An attempt awaiting a redirect
// result which was persisted by a previous process is restored, so the next
// ResolvePendingResult picks it up.
//
// Supported options: WithReporter, WithAttemptStore, WithLogger
func NewOrchestrator(ctx context.Context, c *Config, p Provider, b Backend, nav Navigator, opt ...Option) (*Orchestrator, error) {
	const op = "login.NewOrchestrator"
	switch {
	case p == nil:
		return nil, fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	case b == nil:
		return nil, fmt.Errorf("%s: backend is nil: %w", op, ErrNilParameter)
	case nav == nil:
		return nil, fmt.Errorf("%s: navigator is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	opts := getOrchestratorOpts(opt...)
	o := &Orchestrator{
		config:   c,
		provider: p,
		backend:  b,
		nav:      nav,
		reporter: opts.withReporter,
		store:    opts.withAttemptStore,
		logger:   opts.withLogger,
		attempt:  Attempt{Status: StatusIdle},
	}
	persisted, err := o.store.LoadAttempt(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to load attempt: %w", op, err)
	}
	if persisted != nil && persisted.Status == StatusAwaitingRedirectResult {
		o.attempt = Attempt{Strategy: StrategyRedirect, Status: StatusAwaitingRedirectResult}
		o.logger.Debug("restored attempt awaiting redirect result")
	}
	return o, nil
}

// Attempt returns a copy of the current attempt.
func (o *Orchestrator) Attempt() Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt
}

// BeginSignIn starts a new attempt with the first configured strategy. It
// returns ErrAttemptInProgress if an attempt is in progress or a
// ResolvePendingResult hasn't finished.
func (o *Orchestrator) BeginSignIn(ctx context.Context) (<-chan Outcome, error) {
	const op = "login.(Orchestrator).BeginSignIn"
	o.mu.Lock()
	if o.busy || o.attempt.Status == StatusInProgress {
		o.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrAttemptInProgress)
	}
	o.busy = true
	o.attempt = Attempt{Strategy: o.config.Strategies[0], Status: StatusInProgress}
	o.mu.Unlock()

	o.reporter.Clear()
	if err := o.store.DeleteAttempt(ctx); err != nil {
		o.logger.Warn("unable to discard persisted attempt", "error", err)
	}
	o.logger.Debug("sign-in started", "strategy", o.config.Strategies[0])

	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- o.signIn(ctx)
	}()
	return ch, nil
}

func (o *Orchestrator) signIn(ctx context.Context) Outcome {
	const op = "login.(Orchestrator).signIn"
	strategies := o.config.Strategies
	fellBack := false
	for i := 0; i < len(strategies); i++ {
		s := strategies[i]
		o.setAttempt(s, StatusInProgress)
		switch s {
		case StrategyPopup:
			id, err := o.provider.SignInWithPopup(ctx)
			if err != nil {
				e := ConvertError(err, WithOp(op))
				if e.Kind.Fallback() && !fellBack && i+1 < len(strategies) {
					fellBack = true
					o.logger.Debug("popup unavailable, falling back", "kind", e.Kind.String(), "next", strategies[i+1].String())
					continue
				}
				return o.fail(ctx, e, fellBack)
			}
			return o.complete(ctx, id, fellBack)
		case StrategyRedirect:
			if err := o.provider.SignInWithRedirect(ctx); err != nil {
				return o.fail(ctx, ConvertError(err, WithOp(op)), fellBack)
			}
			return o.await(ctx, fellBack)
		}
	}
	return o.fail(ctx, NewError(KindUnknown, WithOp(op), WithMsg("no usable strategy")), fellBack)
}

// ResolvePendingResult picks up the result of a redirect sign-in. It's
// meant to run on every load: when the provider has no pending result it's
// a no-op which leaves the attempt untouched and reports nothing. It returns
// ErrAttemptInProgress if another operation hasn't finished.
func (o *Orchestrator) ResolvePendingResult(ctx context.Context) (<-chan Outcome, error) {
	const op = "login.(Orchestrator).ResolvePendingResult"
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrAttemptInProgress)
	}
	o.busy = true
	prior := o.attempt
	o.mu.Unlock()

	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- o.resolve(ctx, prior)
	}()
	return ch, nil
}

func (o *Orchestrator) resolve(ctx context.Context, prior Attempt) Outcome {
	const op = "login.(Orchestrator).resolve"
	id, err := o.provider.PendingResult(ctx)
	if err != nil {
		o.setAttempt(StrategyRedirect, StatusInProgress)
		return o.fail(ctx, ConvertError(err, WithOp(op)), false)
	}
	if id == nil {
		if prior.Status == StatusAwaitingRedirectResult {
			o.forgetAbandoned(ctx)
		}
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
		return Outcome{Status: prior.Status, Strategy: prior.Strategy, NoOp: true}
	}
	o.logger.Debug("pending result found")
	o.setAttempt(StrategyRedirect, StatusInProgress)
	return o.complete(ctx, id, false)
}

// forgetAbandoned discards the persisted attempt when the provider has no
// redirect sign-in left which could complete it, so later loads start IDLE.
// The current attempt is left as it is.
func (o *Orchestrator) forgetAbandoned(ctx context.Context) {
	t, ok := o.provider.(RedirectTracker)
	if !ok {
		return
	}
	pending, err := t.RedirectPending(ctx)
	switch {
	case err != nil:
		o.logger.Warn("unable to check for pending redirect sign-ins", "error", err)
		return
	case pending:
		return
	}
	if err := o.store.DeleteAttempt(ctx); err != nil {
		o.logger.Warn("unable to discard persisted attempt", "error", err)
		return
	}
	o.logger.Debug("discarded attempt whose redirect sign-in expired")
}

// SignOut signs out of the provider and then navigates to the logout URL.
// A failed provider sign-out is reported and never navigates.
func (o *Orchestrator) SignOut(ctx context.Context) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- o.signOut(ctx)
	}()
	return ch
}

func (o *Orchestrator) signOut(ctx context.Context) Outcome {
	const op = "login.(Orchestrator).signOut"
	if err := o.provider.SignOut(ctx); err != nil {
		e := o.decorate(ConvertError(err, WithOp(op)))
		o.logger.Error("provider sign out failed", "error", e)
		o.reporter.Report(e)
		a := o.Attempt()
		return Outcome{Status: a.Status, Strategy: a.Strategy, Err: e}
	}
	if err := o.store.DeleteAttempt(ctx); err != nil {
		o.logger.Warn("unable to discard persisted attempt", "error", err)
	}
	o.mu.Lock()
	if !o.busy {
		o.attempt = Attempt{Status: StatusIdle}
	}
	a := o.attempt
	o.mu.Unlock()

	out := Outcome{Status: a.Status, Strategy: a.Strategy}
	if err := o.nav.Navigate(ctx, o.config.LogoutURL); err != nil {
		out.Err = NewError(KindUnknown, WithOp(op), WithMsg("unable to navigate to logout"), WithWrap(err))
		o.reporter.Report(out.Err)
		return out
	}
	out.Navigated = o.config.LogoutURL
	return out
}

// complete forwards the identity to the backend and finishes the attempt.
func (o *Orchestrator) complete(ctx context.Context, id *Identity, fellBack bool) Outcome {
	const op = "login.(Orchestrator).complete"
	if id == nil || id.IDToken == "" {
		return o.fail(ctx, NewError(KindUnknown, WithOp(op), WithWrap(ErrMissingCredential)), fellBack)
	}
	res, err := o.backend.Callback(ctx, id)
	switch {
	case err != nil:
		return o.fail(ctx, ConvertError(err, WithOp(op)), fellBack)
	case res == nil:
		return o.fail(ctx, NewError(KindBackendRejected, WithOp(op), WithWrap(ErrMalformedResponse)), fellBack)
	case !res.Success:
		return o.fail(ctx, NewError(KindBackendRejected, WithOp(op), WithMsg(res.Error)), fellBack)
	case res.RedirectTarget == "":
		return o.fail(ctx, NewError(KindBackendRejected, WithOp(op), WithWrap(ErrMissingRedirect)), fellBack)
	}

	if err := o.store.DeleteAttempt(ctx); err != nil {
		o.logger.Warn("unable to discard persisted attempt", "error", err)
	}
	strategy := o.setAttempt(0, StatusSucceeded)
	out := Outcome{Status: StatusSucceeded, Strategy: strategy, FellBack: fellBack}
	if err := o.nav.Navigate(ctx, res.RedirectTarget); err != nil {
		out.Err = NewError(KindUnknown, WithOp(op), WithMsg("unable to navigate"), WithWrap(err))
		o.logger.Error("navigation failed", "target", res.RedirectTarget, "error", err)
		o.reporter.Report(out.Err)
	} else {
		out.Navigated = res.RedirectTarget
	}
	o.release()
	o.logger.Info("sign-in succeeded", "strategy", strategy.String())
	return out
}

// await records that the browser has been handed to the provider.
func (o *Orchestrator) await(ctx context.Context, fellBack bool) Outcome {
	a := Attempt{Strategy: StrategyRedirect, Status: StatusAwaitingRedirectResult}
	if err := o.store.SaveAttempt(ctx, &a); err != nil {
		o.logger.Warn("unable to persist attempt", "error", err)
	}
	o.setAttempt(StrategyRedirect, StatusAwaitingRedirectResult)
	o.release()
	o.logger.Debug("awaiting redirect result")
	return Outcome{Status: StatusAwaitingRedirectResult, Strategy: StrategyRedirect, FellBack: fellBack}
}

// fail finishes the attempt with e. No fallback or retry happens past this
// point.
func (o *Orchestrator) fail(ctx context.Context, e *Err, fellBack bool) Outcome {
	e = o.decorate(e)
	if err := o.store.DeleteAttempt(ctx); err != nil {
		o.logger.Warn("unable to discard persisted attempt", "error", err)
	}
	o.mu.Lock()
	o.attempt.Status = StatusFailed
	o.attempt.LastError = e
	strategy := o.attempt.Strategy
	o.busy = false
	o.mu.Unlock()

	if e.Kind.Informational() {
		o.logger.Info("sign-in did not complete", "kind", e.Kind.String())
	} else {
		o.logger.Error("sign-in failed", "error", e)
	}
	o.reporter.Report(e)
	return Outcome{Status: StatusFailed, Strategy: strategy, FellBack: fellBack, Err: e}
}

func (o *Orchestrator) decorate(e *Err) *Err {
	if e.Kind == KindOriginNotAuthorized && e.DiagnosticURL == "" {
		e.DiagnosticURL = o.config.DiagnosticURL
	}
	return e
}

// setAttempt updates the attempt and returns its strategy. A zero strategy
// keeps the current one.
func (o *Orchestrator) setAttempt(s Strategy, st Status) Strategy {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s != 0 {
		o.attempt.Strategy = s
	}
	o.attempt.Status = st
	return o.attempt.Strategy
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = false
}

type orchestratorOptions struct {
	withReporter     Reporter
	withAttemptStore AttemptStore
	withLogger       hclog.Logger
}

func orchestratorDefaults() orchestratorOptions {
	return orchestratorOptions{
		withReporter:     nopReporter{},
		withAttemptStore: &MemAttemptStore{},
		withLogger:       hclog.NewNullLogger(),
	}
}

func getOrchestratorOpts(opt ...Option) orchestratorOptions {
	opts := orchestratorDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithReporter provides the Reporter used to display errors.
func WithReporter(r Reporter) Option {
	return func(o interface{}) {
		if o, ok := o.(*orchestratorOptions); ok && r != nil {
			o.withReporter = r
		}
	}
}

// WithAttemptStore provides the store used to persist an attempt awaiting a
// redirect result.
func WithAttemptStore(s AttemptStore) Option {
	return func(o interface{}) {
		if o, ok := o.(*orchestratorOptions); ok && s != nil {
			o.withAttemptStore = s
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*orchestratorOptions); ok && l != nil {
			o.withLogger = l.Named("login")
		}
	}
}
