// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/caplogin/callback"
	"github.com/hashicorp/caplogin/internal/strutils"
	"github.com/hashicorp/caplogin/login"
	sdkHttp "github.com/hashicorp/caplogin/sdk/http"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// LoopbackCallbackPath is the path of the popup strategy's callback.
const LoopbackCallbackPath = "/callback"

// loopbackShutdownTimeout bounds the shutdown of the popup strategy's
// callback server.
const loopbackShutdownTimeout = 5 * time.Second

// Opener sends the user's browser to authURL.
type Opener func(authURL string) error

// Provider signs users in with an OIDC provider using the authorization code
// flow with PKCE. It implements login.Provider, login.RedirectTracker and
// callback.Recorder.
type Provider struct {
	config   *Config
	provider *oidc.Provider
	client   *http.Client
	store    RequestStore
	opener   Opener
	logger   hclog.Logger
	sFn      callback.SuccessResponseFunc
	eFn      callback.ErrorResponseFunc
	now      func() time.Time

	mu sync.Mutex

	// backgroundCtx is canceled by Done, which aborts any popup sign-in
	// which is still waiting on the provider.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

var (
	_ login.Provider        = (*Provider)(nil)
	_ login.RedirectTracker = (*Provider)(nil)
	_ callback.Recorder      = (*Provider)(nil)
)

// NewProvider creates and initializes a Provider. Initializing the provider
// includes making an http request to the provider's issuer for discovery.
//
// See Provider.Done() which must be called to release provider resources.
//
// Supported options: WithRequestStore, WithOpener, WithLogger,
// WithCallbackPages, WithNow
func NewProvider(ctx context.Context, c *Config, opt ...Option) (*Provider, error) {
	const op = "oidc.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	opts := getProviderOpts(opt...)

	bgCtx, cancel := context.WithCancel(context.Background())
	// initializing the Provider with it's background ctx/cancel will
	// allow us to use p.Done() to release any resources when returning errors
	// from this function.
	p := &Provider{
		config:              c,
		store:               opts.withRequestStore,
		opener:              opts.withOpener,
		logger:              opts.withLogger,
		sFn:                 opts.withSuccessFn,
		eFn:                 opts.withErrorFn,
		now:                 opts.withNowFunc,
		backgroundCtx:       bgCtx,
		backgroundCtxCancel: cancel,
	}

	client, err := c.HttpClient()
	if err != nil {
		p.Done()
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	p.client = client

	provider, err := oidc.NewProvider(sdkHttp.ClientContext(ctx, client), c.Issuer) // makes http req to issuer for discovery
	if err != nil {
		p.Done()
		return nil, fmt.Errorf("%s: unable to create provider: %w", op, err)
	}
	p.provider = provider
	p.logger.Debug("provider discovered", "issuer", c.Issuer)
	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// AuthURL returns the provider's authorization URL for the request. It
// carries the request's state id, nonce and PKCE challenge.
func (p *Provider) AuthURL(r *Request) (string, error) {
	const op = "Provider.AuthURL"
	if r == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.ID == r.Nonce {
		return "", fmt.Errorf("%s: request id and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(r.Nonce),
		oauth2.S256ChallengeOption(r.Verifier),
	}
	if len(p.config.UILocales) > 0 {
		locales := make([]string, 0, len(p.config.UILocales))
		for _, t := range p.config.UILocales {
			locales = append(locales, t.String())
		}
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("ui_locales", strings.Join(locales, " ")))
	}
	return p.oauth2Config(r.RedirectURL).AuthCodeURL(r.ID, authCodeOpts...), nil
}

func (p *Provider) oauth2Config(redirectURL string) *oauth2.Config {
	// Add the "openid" scope, which is a required scope for oidc flows
	scopes := strutils.RemoveDuplicatesStable(append([]string{oidc.ScopeOpenID}, p.config.Scopes...), false)
	endpoint := p.provider.Endpoint()
	if p.config.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  redirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// SignInWithPopup runs a sign-in within this process. It serves a one-time
// callback on the configured loopback address and opens the browser on the
// authorization URL.
//
// Failing to listen or to open the browser is login.KindPopupBlocked. The
// popup timeout elapsing, the ctx deadline passing or the provider being
// Done is login.KindPopupClosed. Canceling ctx is login.KindUserCancelled.
func (p *Provider) SignInWithPopup(ctx context.Context) (*login.Identity, error) {
	const op = "oidc.(Provider).SignInWithPopup"
	if p.opener == nil {
		return nil, login.NewError(login.KindPopupBlocked, login.WithOp(op), login.WithWrap(ErrNoOpener))
	}
	l, err := net.Listen("tcp", p.config.LoopbackAddr)
	if err != nil {
		return nil, login.NewError(login.KindPopupBlocked, login.WithOp(op), login.WithWrap(err))
	}
	redirectURL := fmt.Sprintf("http://%s%s", l.Addr().String(), LoopbackCallbackPath)
	req, err := NewRequest(p.config.RequestTTL, redirectURL, WithNow(p.now))
	if err != nil {
		_ = l.Close()
		return nil, login.ConvertError(err, login.WithOp(op))
	}

	respCh, h := callback.Loopback(req.ID, p.sFn, p.eFn)
	mux := http.NewServeMux()
	mux.HandleFunc(LoopbackCallbackPath, h)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(l)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), loopbackShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("unable to shut down loopback callback", "error", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Warn("loopback callback stopped", "error", err)
		}
	}()

	authURL, err := p.AuthURL(req)
	if err != nil {
		return nil, login.ConvertError(err, login.WithOp(op))
	}
	p.logger.Debug("opening popup", "redirect_url", redirectURL)
	if err := p.opener(authURL); err != nil {
		return nil, login.NewError(login.KindPopupBlocked, login.WithOp(op), login.WithWrap(err))
	}

	timer := time.NewTimer(p.config.PopupTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, authenError(op, resp.Error)
		}
		return p.exchange(ctx, req, resp.Code)
	case <-timer.C:
		return nil, login.NewError(login.KindPopupClosed, login.WithOp(op), login.WithMsg("timed out waiting for the provider"))
	case <-p.backgroundCtx.Done():
		return nil, login.NewError(login.KindPopupClosed, login.WithOp(op), login.WithMsg("provider is done"))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, login.NewError(login.KindPopupClosed, login.WithOp(op), login.WithWrap(ctx.Err()))
		}
		return nil, login.NewError(login.KindUserCancelled, login.WithOp(op), login.WithWrap(ctx.Err()))
	}
}

// SignInWithRedirect persists a new request and sends the browser to the
// provider, which redirects to the configured redirect URL. The response is
// recorded with RecordResponse and resolved with PendingResult.
//
// It's login.KindProviderMethodDisabled when no redirect URL is configured.
func (p *Provider) SignInWithRedirect(ctx context.Context) error {
	const op = "oidc.(Provider).SignInWithRedirect"
	if p.config.RedirectURL == "" {
		return login.NewError(login.KindProviderMethodDisabled, login.WithOp(op), login.WithWrap(ErrNoRedirectURL))
	}
	if p.opener == nil {
		return login.NewError(login.KindUnknown, login.WithOp(op), login.WithWrap(ErrNoOpener))
	}
	req, err := NewRequest(p.config.RequestTTL, p.config.RedirectURL, WithNow(p.now))
	if err != nil {
		return login.ConvertError(err, login.WithOp(op))
	}
	authURL, err := p.AuthURL(req)
	if err != nil {
		return login.ConvertError(err, login.WithOp(op))
	}
	if err := p.store.SaveRequest(ctx, req); err != nil {
		return login.ConvertError(err, login.WithOp(op))
	}
	if err := p.opener(authURL); err != nil {
		if delErr := p.store.DeleteRequest(ctx, req.ID); delErr != nil {
			p.logger.Warn("unable to delete request", "error", delErr)
		}
		return login.ConvertError(err, login.WithOp(op))
	}
	p.logger.Debug("redirected to provider", "redirect_url", req.RedirectURL)
	return nil
}

// RecordResponse implements callback.Recorder. It stores the provider's
// response with the pending request it answers. A request only records one
// response; expired requests are removed.
func (p *Provider) RecordResponse(ctx context.Context, resp *callback.Response) error {
	const op = "oidc.(Provider).RecordResponse"
	if resp == nil {
		return fmt.Errorf("%s: response is nil: %w", op, ErrNilParameter)
	}
	if resp.State == "" {
		return fmt.Errorf("%s: response state is empty: %w", op, ErrInvalidParameter)
	}
	req, err := p.store.Request(ctx, resp.State)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if req.IsExpired(WithNow(p.now)) {
		if err := p.store.DeleteRequest(ctx, req.ID); err != nil {
			p.logger.Warn("unable to delete expired request", "error", err)
		}
		return fmt.Errorf("%s: %w", op, ErrExpiredRequest)
	}
	if req.Completed() {
		return fmt.Errorf("%s: %w", op, ErrResponseRecorded)
	}
	req.Response = resp
	if err := p.store.SaveRequest(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RecordRedirect records the response carried by the query values of the
// provider's redirect.
func (p *Provider) RecordRedirect(ctx context.Context, v url.Values) error {
	const op = "oidc.(Provider).RecordRedirect"
	if err := p.RecordResponse(ctx, callback.ParseResponse(v)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PendingResult resolves a recorded redirect response. It returns nil, nil
// when no response is pending. A resolved response is removed even when it
// fails, so it's only ever resolved once. Expired requests are purged.
func (p *Provider) PendingResult(ctx context.Context) (*login.Identity, error) {
	const op = "oidc.(Provider).PendingResult"
	n, err := p.store.DeleteExpiredRequests(ctx, p.now().Add(DefaultRequestExpirySkew))
	if err != nil {
		return nil, login.ConvertError(err, login.WithOp(op))
	}
	if n > 0 {
		p.logger.Debug("purged expired requests", "count", n)
	}
	req, err := p.store.TakeCompletedRequest(ctx)
	if err != nil {
		return nil, login.ConvertError(err, login.WithOp(op))
	}
	if req == nil {
		return nil, nil
	}
	if req.Response.Error != nil {
		return nil, authenError(op, req.Response.Error)
	}
	return p.exchange(ctx, req, req.Response.Code)
}

// RedirectPending implements login.RedirectTracker. It reports whether any
// unexpired redirect request remains which a response could still complete.
func (p *Provider) RedirectPending(ctx context.Context) (bool, error) {
	const op = "oidc.(Provider).RedirectPending"
	if _, err := p.store.DeleteExpiredRequests(ctx, p.now().Add(DefaultRequestExpirySkew)); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := p.store.CountRequests(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// SignOut removes every pending request.
func (p *Provider) SignOut(ctx context.Context) error {
	const op = "oidc.(Provider).SignOut"
	if err := p.store.ClearRequests(ctx); err != nil {
		return login.ConvertError(err, login.WithOp(op))
	}
	return nil
}

// exchange requests a token from the token endpoint with the authorization
// code, verifies the id_token it carries and converts it to an identity.
func (p *Provider) exchange(ctx context.Context, req *Request, code string) (*login.Identity, error) {
	const op = "oidc.(Provider).exchange"
	if code == "" {
		return nil, login.NewError(login.KindUnknown, login.WithOp(op), login.WithMsg("authorization code is empty"))
	}
	oidcCtx := sdkHttp.ClientContext(ctx, p.client)
	tk, err := p.oauth2Config(req.RedirectURL).Exchange(oidcCtx, code, oauth2.VerifierOption(req.Verifier))
	if err != nil {
		return nil, exchangeError(op, err)
	}
	rawIDToken, ok := tk.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, login.NewError(login.KindUnknown, login.WithOp(op), login.WithWrap(ErrMissingIDToken))
	}
	id, err := p.verifyIDToken(oidcCtx, rawIDToken, req.Nonce)
	if err != nil {
		return nil, login.ConvertError(err, login.WithOp(op))
	}
	return id, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, rawIDToken, nonce string) (*login.Identity, error) {
	const op = "Provider.verifyIDToken"
	algs := make([]string, 0, len(p.config.SupportedSigningAlgs))
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	verifier := p.provider.Verifier(&oidc.Config{
		ClientID:             p.config.ClientID,
		SkipClientIDCheck:    len(p.config.Audiences) > 0,
		SupportedSigningAlgs: algs,
		Now:                  p.now,
	})
	t, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrIDTokenVerificationFailed, err)
	}
	if t.Nonce != nonce {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidNonce)
	}
	if len(p.config.Audiences) > 0 {
		var found bool
		for _, aud := range t.Audience {
			if strutils.StrListContains(p.config.Audiences, aud) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidAudience)
		}
	}
	var claims struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := t.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: unable to decode claims: %w", op, err)
	}
	return &login.Identity{
		Subject:     t.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		PhotoURL:    claims.Picture,
		IDToken:     login.IDToken(rawIDToken),
	}, nil
}

// providerOptions is the set of available options for Provider functions
type providerOptions struct {
	withRequestStore RequestStore
	withOpener       Opener
	withLogger       hclog.Logger
	withSuccessFn    callback.SuccessResponseFunc
	withErrorFn      callback.ErrorResponseFunc
	withNowFunc      func() time.Time
}

func providerDefaults() providerOptions {
	return providerOptions{
		withRequestStore: NewMemRequestStore(),
		withLogger:       hclog.NewNullLogger(),
		withNowFunc:      time.Now,
	}
}

func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithRequestStore provides an optional store for redirect requests, for:
// Provider. The default store is in-memory.
func WithRequestStore(s RequestStore) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok && s != nil {
			o.withRequestStore = s
		}
	}
}

// WithOpener provides the func which opens the user's browser, for: Provider
func WithOpener(fn Opener) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withOpener = fn
		}
	}
}

// WithLogger provides an optional logger, for: Provider
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok && l != nil {
			o.withLogger = l.Named("oidc")
		}
	}
}

// WithCallbackPages provides optional pages for the popup strategy's
// loopback callback, for: Provider
func WithCallbackPages(sFn callback.SuccessResponseFunc, eFn callback.ErrorResponseFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withSuccessFn = sFn
			o.withErrorFn = eFn
		}
	}
}
