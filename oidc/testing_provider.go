// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/caplogin/internal/strutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const (
	// TestClientID is the client id a TestProvider accepts by default.
	TestClientID = "test-client-id"

	// TestSubject is the subject of the id_tokens a TestProvider issues by
	// default.
	TestSubject = "r3qXcK2bix9eFECzsU3Sbmh0K16fatW6@clients"

	testKeyID = "test-key"
)

// TestProvider is local server that supports test provider capabilities which
// make writing tests much easier. It serves discovery, an authorization
// endpoint which immediately redirects with a code, a token endpoint which
// enforces PKCE and a JWKS endpoint.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string
	signingKey jose.JSONWebKey
	jwks       *jose.JSONWebKeySet

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	allowedRedirectURIs []string
	replySubject        string
	replyClaims         map[string]interface{}
	customAudience      string
	replyNonce          string
	omitIDToken         bool
	authError           *testProviderError
	tokenError          *testProviderError
	codes               map[string]testAuthCode
	authRequests        []url.Values
	lastRedirect        *url.URL

	t *testing.T
}

type testProviderError struct {
	status      int
	code        string
	description string
}

type testAuthCode struct {
	nonce         string
	challenge     string
	redirectURI   string
	expiresAt     time.Time
	alreadyIssued bool
}

// StartTestProvider creates a disposable TestProvider which is stopped when
// the test completes. Loopback redirect URIs (RFC 8252) are always allowed.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		clientID:            TestClientID,
		allowedRedirectURIs: []string{"https://app.example.com/callback"},
		replySubject:        TestSubject,
		replyClaims: map[string]interface{}{
			"email":   "alice@example.com",
			"name":    "Alice Doe-Smith",
			"picture": "https://example.com/alice.png",
		},
		codes: map[string]testAuthCode{},
		t:     t,
	}
	p.signingKey = TestSigningKey(t, testKeyID)
	p.jwks = TestJWKS(t, p.signingKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running
// webserver. It's the provider's issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKey returns the key the test provider signs id_tokens with.
func (p *TestProvider) SigningKey() jose.JSONWebKey { return p.signingKey }

// Config returns a Config for the test provider, with ES256 signatures,
// its CA and the default client id. opt is applied on top.
func (p *TestProvider) Config(opt ...Option) *Config {
	p.t.Helper()
	opts := append([]Option{
		WithProviderCA(p.caCert),
		WithSupportedSigningAlgs(ES256),
	}, opt...)
	c, err := NewConfig(p.Addr(), TestClientID, opts...)
	require.NoError(p.t, err)
	return c
}

// SetClientCreds is for configuring the client information required for the
// OIDC workflows. An empty secret accepts public clients.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetAllowedRedirectURIs allows you to configure the allowed non-loopback
// redirect URIs. If not configured "https://app.example.com/callback" is
// allowed.
func (p *TestProvider) SetAllowedRedirectURIs(uris ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetReplyClaims replaces the private claims of the issued id_tokens.
func (p *TestProvider) SetReplyClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyClaims = claims
}

// SetCustomAudience configures what audience value to embed in the issued
// id_tokens.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// SetReplyNonce overrides the nonce embedded in the issued id_tokens.
func (p *TestProvider) SetReplyNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyNonce = nonce
}

// OmitIDTokens forces an error state where the token endpoint does not
// return an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// SetAuthError makes the authorization endpoint redirect with the error
// response. An empty code resets it.
func (p *TestProvider) SetAuthError(code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authError = nil
	if code != "" {
		p.authError = &testProviderError{code: code, description: description}
	}
}

// SetTokenError makes the token endpoint reply with the error response. An
// empty code resets it.
func (p *TestProvider) SetTokenError(status int, code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenError = nil
	if code != "" {
		p.tokenError = &testProviderError{status: status, code: code, description: description}
	}
}

// AuthRequests returns the query of every authorization request received.
func (p *TestProvider) AuthRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.authRequests...)
}

// HTTPClient returns a client which trusts the test provider.
func (p *TestProvider) HTTPClient() *http.Client {
	return p.httpServer.Client()
}

// Authorize sends the browser's request for authURL and returns the
// redirect the provider answered with, without following it.
func (p *TestProvider) Authorize(authURL string) (*url.URL, error) {
	const op = "TestProvider.Authorize"
	c := *p.HTTPClient()
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := c.Get(authURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, body)
	}
	loc, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.mu.Lock()
	p.lastRedirect = loc
	p.mu.Unlock()
	return loc, nil
}

// PopupOpener returns an Opener which acts as a browser: it authorizes and
// follows the provider's redirect to the loopback callback.
func (p *TestProvider) PopupOpener() Opener {
	return func(authURL string) error {
		loc, err := p.Authorize(authURL)
		if err != nil {
			return err
		}
		resp, err := http.Get(loc.String())
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	}
}

// RedirectOpener returns an Opener which authorizes without following the
// provider's redirect. See LastRedirect.
func (p *TestProvider) RedirectOpener() Opener {
	return func(authURL string) error {
		_, err := p.Authorize(authURL)
		return err
	}
}

// LastRedirect returns the last redirect the provider answered with.
func (p *TestProvider) LastRedirect() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRedirect
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()

	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)

	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}

	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}

	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

func (p *TestProvider) redirectAllowed(redirectURI string) bool {
	if strutils.StrListContains(p.allowedRedirectURIs, redirectURI) {
		return true
	}
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme != "http" {
		return false
	}
	ip := net.ParseIP(u.Hostname())
	return ip != nil && ip.IsLoopback()
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer        string   `json:"issuer"`
			AuthEndpoint  string   `json:"authorization_endpoint"`
			TokenEndpoint string   `json:"token_endpoint"`
			JWKSURI       string   `json:"jwks_uri"`
			Algs          []string `json:"id_token_signing_alg_values_supported"`
			Challenges    []string `json:"code_challenge_methods_supported"`
		}{
			Issuer:        p.Addr(),
			AuthEndpoint:  p.Addr() + "/authorize",
			TokenEndpoint: p.Addr() + "/token",
			JWKSURI:       p.Addr() + "/keys",
			Algs:          []string{string(ES256)},
			Challenges:    []string{"S256"},
		}
		_ = p.writeJSON(w, &reply)

	case "/authorize":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		p.authRequests = append(p.authRequests, qv)

		redirectURI := qv.Get("redirect_uri")
		if qv.Get("client_id") != p.clientID || !p.redirectAllowed(redirectURI) {
			// a provider never redirects to an unverified redirect_uri
			w.WriteHeader(http.StatusBadRequest)
			_ = p.writeJSON(w, map[string]string{"error": "invalid_request"})
			return
		}
		switch {
		case p.authError != nil:
			p.writeAuthErrorResponse(w, req, p.authError.code, p.authError.description)
			return
		case qv.Get("response_type") != "code":
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
			return
		case !strutils.StrListContains(strings.Fields(qv.Get("scope")), "openid"):
			p.writeAuthErrorResponse(w, req, "invalid_scope", "")
			return
		case qv.Get("state") == "":
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		case qv.Get("code_challenge_method") != "S256" || qv.Get("code_challenge") == "":
			p.writeAuthErrorResponse(w, req, "invalid_request", "PKCE S256 is required")
			return
		}

		code, err := NewID("code")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		p.codes[code] = testAuthCode{
			nonce:       qv.Get("nonce"),
			challenge:   qv.Get("code_challenge"),
			redirectURI: redirectURI,
			expiresAt:   time.Now().Add(time.Minute),
		}
		redirectURI += "?state=" + url.QueryEscape(qv.Get("state")) +
			"&code=" + url.QueryEscape(code)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case "/keys":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if p.tokenError != nil {
			_ = p.writeTokenErrorResponse(w, p.tokenError.status, p.tokenError.code, p.tokenError.description)
			return
		}
		clientID, clientSecret, ok := req.BasicAuth()
		if !ok {
			clientID, clientSecret = req.FormValue("client_id"), req.FormValue("client_secret")
		}
		if clientID != p.clientID || clientSecret != p.clientSecret {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "unknown client")
			return
		}
		code, found := p.codes[req.FormValue("code")]
		switch {
		case req.FormValue("grant_type") != "authorization_code":
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "bad grant_type")
			return
		case !found || code.alreadyIssued || time.Now().After(code.expiresAt):
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
			return
		case req.FormValue("redirect_uri") != code.redirectURI:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match")
			return
		case oauth2.S256ChallengeFromVerifier(req.FormValue("code_verifier")) != code.challenge:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match")
			return
		}
		code.alreadyIssued = true
		p.codes[req.FormValue("code")] = code

		now := time.Now()
		stdClaims := jwt.Claims{
			Subject:   p.replySubject,
			Issuer:    p.Addr(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			Expiry:    jwt.NewNumericDate(now.Add(time.Minute)),
			Audience:  jwt.Audience{p.clientID},
		}
		if p.customAudience != "" {
			stdClaims.Audience = jwt.Audience{p.customAudience}
		}
		privateClaims := map[string]interface{}{
			"nonce": code.nonce,
		}
		if p.replyNonce != "" {
			privateClaims["nonce"] = p.replyNonce
		}
		for k, v := range p.replyClaims {
			privateClaims[k] = v
		}
		jwtData := TestSignIDToken(p.t, p.signingKey, stdClaims, privateClaims)

		reply := struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
			IDToken     string `json:"id_token,omitempty"`
		}{
			AccessToken: jwtData,
			TokenType:   "Bearer",
			ExpiresIn:   60,
			IDToken:     jwtData,
		}
		if p.omitIDToken {
			reply.IDToken = ""
		}
		_ = p.writeJSON(w, &reply)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
