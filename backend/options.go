// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

type clientOptions struct {
	withBackendCA    string
	withHTTPClient   *http.Client
	withLogger       hclog.Logger
	withConfigPath   string
	withCallbackPath string
	withLogoutPath   string
}

func clientDefaults() clientOptions {
	return clientOptions{
		withLogger:       hclog.NewNullLogger(),
		withConfigPath:   DefaultConfigPath,
		withCallbackPath: DefaultCallbackPath,
		withLogoutPath:   DefaultLogoutPath,
	}
}

func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithBackendCA provides an optional CA certificate PEM for the backend.
func WithBackendCA(pem string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withBackendCA = pem
		}
	}
}

// WithHTTPClient provides the http client to use. WithBackendCA is ignored
// when it's set.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withHTTPClient = c
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok && l != nil {
			o.withLogger = l.Named("backend")
		}
	}
}

// WithConfigPath overrides DefaultConfigPath.
func WithConfigPath(p string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok && p != "" {
			o.withConfigPath = p
		}
	}
}

// WithCallbackPath overrides DefaultCallbackPath.
func WithCallbackPath(p string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok && p != "" {
			o.withCallbackPath = p
		}
	}
}

// WithLogoutPath overrides DefaultLogoutPath.
func WithLogoutPath(p string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok && p != "" {
			o.withLogoutPath = p
		}
	}
}
