// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"context"
	"sync"
)

// TestProviderCalls counts the calls made to a TestProvider.
type TestProviderCalls struct {
	Popup    int
	Redirect int
	Pending  int
	SignOut  int
}

// TestProvider is a scripted Provider which makes writing tests for code
// that drives an Orchestrator easier. It's concurrently safe.
type TestProvider struct {
	mu          sync.Mutex
	popupID     *Identity
	popupErr    error
	popupGate   chan struct{}
	redirectErr error
	pendingID   *Identity
	pendingErr  error
	signOutErr  error
	abandoned   bool
	calls       TestProviderCalls
}

var (
	_ Provider        = (*TestProvider)(nil)
	_ RedirectTracker = (*TestProvider)(nil)
)

// NewTestProvider returns a TestProvider with nothing pending whose popup
// succeeds with a test identity. Its redirect sign-ins never expire unless
// AbandonRedirect is called.
func NewTestProvider() *TestProvider {
	return &TestProvider{popupID: TestIdentity()}
}

// TestIdentity returns an identity suitable for tests.
func TestIdentity() *Identity {
	return &Identity{
		Subject:     "alice-sub",
		Email:       "alice@example.com",
		DisplayName: "Alice Smith",
		PhotoURL:    "https://example.com/alice.png",
		IDToken:     "test-id-token",
	}
}

// SetPopupResult sets what SignInWithPopup returns.
func (p *TestProvider) SetPopupResult(id *Identity, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.popupID, p.popupErr = id, err
}

// BlockPopup makes SignInWithPopup wait until the returned func is called
// (or its ctx is done).
func (p *TestProvider) BlockPopup() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.popupGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetRedirectErr sets what SignInWithRedirect returns.
func (p *TestProvider) SetRedirectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redirectErr = err
}

// SetPendingResult sets what the next PendingResult returns. The result is
// consumed by that call.
func (p *TestProvider) SetPendingResult(id *Identity, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingID, p.pendingErr = id, err
}

// AbandonRedirect makes RedirectPending report that no redirect sign-in can
// complete anymore, as if it had expired.
func (p *TestProvider) AbandonRedirect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
}

// SetSignOutErr sets what SignOut returns.
func (p *TestProvider) SetSignOutErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutErr = err
}

// Calls returns the number of calls made so far.
func (p *TestProvider) Calls() TestProviderCalls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// SignInWithPopup implements Provider.
func (p *TestProvider) SignInWithPopup(ctx context.Context) (*Identity, error) {
	p.mu.Lock()
	p.calls.Popup++
	gate := p.popupGate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, NewError(KindPopupClosed, WithWrap(ctx.Err()))
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popupID, p.popupErr
}

// SignInWithRedirect implements Provider.
func (p *TestProvider) SignInWithRedirect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Redirect++
	return p.redirectErr
}

// PendingResult implements Provider.
func (p *TestProvider) PendingResult(context.Context) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Pending++
	id, err := p.pendingID, p.pendingErr
	p.pendingID, p.pendingErr = nil, nil
	return id, err
}

// RedirectPending implements RedirectTracker.
func (p *TestProvider) RedirectPending(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.abandoned, nil
}

// SignOut implements Provider.
func (p *TestProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SignOut++
	return p.signOutErr
}

// TestBackend is a scripted Backend which records every forwarded identity.
type TestBackend struct {
	mu         sync.Mutex
	result     *ServerAuthResult
	err        error
	identities []*Identity
}

var _ Backend = (*TestBackend)(nil)

// NewTestBackend returns a TestBackend which accepts every identity and
// redirects to /dashboard.
func NewTestBackend() *TestBackend {
	return &TestBackend{result: &ServerAuthResult{Success: true, RedirectTarget: "/dashboard"}}
}

// SetResult sets what Callback returns.
func (b *TestBackend) SetResult(r *ServerAuthResult, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result, b.err = r, err
}

// Identities returns every identity forwarded so far.
func (b *TestBackend) Identities() []*Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Identity(nil), b.identities...)
}

// Callback implements Backend.
func (b *TestBackend) Callback(_ context.Context, id *Identity) (*ServerAuthResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identities = append(b.identities, id)
	if b.result == nil {
		return nil, b.err
	}
	r := *b.result
	return &r, b.err
}

// TestNavigator records navigation targets.
type TestNavigator struct {
	mu      sync.Mutex
	targets []string
	err     error
}

var _ Navigator = (*TestNavigator)(nil)

// SetErr sets what Navigate returns.
func (n *TestNavigator) SetErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Targets returns every successful navigation target.
func (n *TestNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

// Navigate implements Navigator.
func (n *TestNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.targets = append(n.targets, target)
	return nil
}

// TestReporter records reported errors.
type TestReporter struct {
	mu       sync.Mutex
	reported []*Err
	clears   int
}

var _ Reporter = (*TestReporter)(nil)

// Report implements Reporter.
func (r *TestReporter) Report(e *Err) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, e)
}

// Clear implements Reporter.
func (r *TestReporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

// Reported returns every reported error.
func (r *TestReporter) Reported() []*Err {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Err(nil), r.reported...)
}

// Clears returns the number of times Clear was called.
func (r *TestReporter) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}
