// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/hashicorp/caplogin/login"
	sdkHttp "github.com/hashicorp/caplogin/sdk/http"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultConfigPath   = "/auth/provider/config"
	DefaultCallbackPath = "/auth/provider/callback"
	DefaultLogoutPath   = "/logout"

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 1 << 20
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrConfigUnavailable = errors.New("provider configuration unavailable")
)

// Client consumes the backend session endpoints. It keeps the session
// cookie the backend issues in a cookie jar, so later requests made with
// HTTPClient are authenticated.
type Client struct {
	base         *url.URL
	client       *http.Client
	logger       hclog.Logger
	configPath   string
	callbackPath string
	logoutPath   string
}

var _ login.Backend = (*Client)(nil)

// NewClient creates a Client for the backend at baseURL.
//
// Supported options: WithBackendCA, WithHTTPClient, WithLogger, WithConfigPath,
// WithCallbackPath, WithLogoutPath
func NewClient(baseURL string, opt ...Option) (*Client, error) {
	const op = "backend.NewClient"
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base URL is empty: %w", op, ErrInvalidParameter)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: base URL %q is invalid: %w", op, baseURL, ErrInvalidParameter)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%s: base URL %q scheme is not http or https: %w", op, baseURL, ErrInvalidParameter)
	}
	opts := getClientOpts(opt...)

	client := opts.withHTTPClient
	if client == nil {
		client, err = sdkHttp.NewClient(opts.withBackendCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create cookie jar: %w", op, err)
		}
		client.Jar = jar
	}
	return &Client{
		base:         base,
		client:       client,
		logger:       opts.withLogger,
		configPath:   opts.withConfigPath,
		callbackPath: opts.withCallbackPath,
		logoutPath:   opts.withLogoutPath,
	}, nil
}

// HTTPClient returns the client used for backend requests.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Resolve resolves target against the backend base URL. Absolute targets
// are returned unchanged.
func (c *Client) Resolve(target string) (string, error) {
	const op = "backend.(Client).Resolve"
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%s: target %q is invalid: %w", op, target, ErrInvalidParameter)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// LogoutURL returns the absolute URL of the logout endpoint.
func (c *Client) LogoutURL() string {
	u, err := c.Resolve(c.logoutPath)
	if err != nil {
		return c.logoutPath
	}
	return u
}

// ProviderConfig fetches the provider configuration. The blob is returned
// as is: it's opaque to everything except the provider it configures.
func (c *Client) ProviderConfig(ctx context.Context) (json.RawMessage, error) {
	const op = "backend.(Client).ProviderConfig"
	u, err := c.Resolve(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s: %w", op, e.Error, ErrConfigUnavailable)
		}
		return nil, fmt.Errorf("%s: unexpected status %d: %w", op, resp.StatusCode, ErrConfigUnavailable)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s: %w", op, login.ErrMalformedResponse)
	}
	c.logger.Debug("fetched provider configuration", "url", u)
	return json.RawMessage(body), nil
}

// callbackUser is the wire form of login.Identity.
type callbackUser struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

type callbackRequest struct {
	IDToken string       `json:"idToken"`
	User    callbackUser `json:"user"`
}

type callbackResponse struct {
	Success  *bool  `json:"success"`
	Redirect string `json:"redirect,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Callback forwards the identity to the backend session endpoint. The
// response body is decoded regardless of its status code, since the backend
// reports rejections as a 4xx with a JSON body; a body that isn't a
// callback response wraps login.ErrMalformedResponse.
func (c *Client) Callback(ctx context.Context, id *login.Identity) (*login.ServerAuthResult, error) {
	const op = "backend.(Client).Callback"
	if id == nil {
		return nil, fmt.Errorf("%s: identity is nil: %w", op, ErrNilParameter)
	}
	u, err := c.Resolve(c.callbackPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	payload, err := json.Marshal(callbackRequest{
		// string() so the token isn't redacted by login.IDToken.MarshalJSON
		IDToken: string(id.IDToken),
		User: callbackUser{
			UID:         id.Subject,
			Email:       id.Email,
			DisplayName: id.DisplayName,
			PhotoURL:    id.PhotoURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response: %w", op, err)
	}
	var cr callbackResponse
	if err := json.Unmarshal(body, &cr); err != nil || cr.Success == nil {
		c.logger.Warn("malformed callback response", "status", resp.StatusCode, "content-type", resp.Header.Get("Content-Type"))
		return nil, fmt.Errorf("%s: status %d: %w", op, resp.StatusCode, login.ErrMalformedResponse)
	}
	c.logger.Debug("callback response", "status", resp.StatusCode, "success", *cr.Success)
	return &login.ServerAuthResult{
		Success:        *cr.Success,
		RedirectTarget: strings.TrimSpace(cr.Redirect),
		Error:          cr.Error,
	}, nil
}
