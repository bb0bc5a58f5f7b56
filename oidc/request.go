// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"time"

	"github.com/hashicorp/caplogin/callback"
	"golang.org/x/oauth2"
)

// Request represents one authorization request. The ID is passed as the
// oauth2 state and the Nonce is embedded in the id_token; they're never
// equal. The Verifier is the PKCE code verifier.
//
// A Request is serialized as JSON when persisted in a RequestStore.
type Request struct {
	ID          string             `json:"id"`
	Nonce       string             `json:"nonce"`
	Verifier    string             `json:"verifier"`
	RedirectURL string             `json:"redirect_url"`
	Expiration  time.Time          `json:"expiration"`
	Response    *callback.Response `json:"response,omitempty"`
}

// NewRequest creates a new Request which expires in expireIn.
//
// Supported options: WithNow
func NewRequest(expireIn time.Duration, redirectURL string, opt ...Option) (*Request, error) {
	const op = "oidc.NewRequest"
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	if redirectURL == "" {
		return nil, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter)
	}
	opts := getReqOpts(opt...)
	id, err := NewID("st")
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's state id: %w", op, err)
	}
	nonce, err := NewID("n")
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's nonce: %w", op, err)
	}
	return &Request{
		ID:          id,
		Nonce:       nonce,
		Verifier:    oauth2.GenerateVerifier(),
		RedirectURL: redirectURL,
		Expiration:  opts.withNowFunc().Add(expireIn),
	}, nil
}

// DefaultRequestExpirySkew defines a default time skew when checking a
// Request's expiration.
const DefaultRequestExpirySkew = 1 * time.Second

// IsExpired returns true if the request has expired.
//
// Supported options: WithExpirySkew, WithNow
func (r *Request) IsExpired(opt ...Option) bool {
	opts := getReqOpts(opt...)
	return r.Expiration.Before(opts.withNowFunc().Add(opts.withExpirySkew))
}

// Completed returns true once a response has been recorded.
func (r *Request) Completed() bool {
	return r.Response != nil
}

// reqOptions is the set of available options for Request functions
type reqOptions struct {
	withNowFunc    func() time.Time
	withExpirySkew time.Duration
}

func reqDefaults() reqOptions {
	return reqOptions{
		withNowFunc:    time.Now,
		withExpirySkew: DefaultRequestExpirySkew,
	}
}

func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
