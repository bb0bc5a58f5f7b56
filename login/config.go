// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"fmt"
	"net/url"

	"github.com/hashicorp/go-multierror"
)

// DefaultLogoutURL is the endpoint which tears down the backend session.
const DefaultLogoutURL = "/logout"

// DefaultStrategies is popup first, falling back to redirect.
func DefaultStrategies() []Strategy {
	return []Strategy{StrategyPopup, StrategyRedirect}
}

// Config for an Orchestrator. It's created once at startup and passed to
// NewOrchestrator.
type Config struct {
	// Strategies is the order in which sign-in strategies are tried. The
	// orchestrator only moves past the first entry when a popup fails
	// because it's unavailable, and it does so at most once per attempt.
	Strategies []Strategy

	// LogoutURL is navigated to after a successful sign out.
	LogoutURL string

	// DiagnosticURL is an optional page explaining how to authorize the
	// application's origin with the provider.
	DiagnosticURL string
}

// NewConfig composes a new Config. Supported options: WithStrategies,
// WithLogoutURL, WithDiagnosticURL.
func NewConfig(opt ...Option) (*Config, error) {
	const op = "login.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Strategies:    opts.withStrategies,
		LogoutURL:     opts.withLogoutURL,
		DiagnosticURL: opts.withDiagnosticURL,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	return c, nil
}

// Validate the Config, returning every problem found.
func (c *Config) Validate() error {
	const op = "login.(Config).Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var errs *multierror.Error
	if len(c.Strategies) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s: no strategies: %w", op, ErrInvalidParameter))
	}
	seen := map[Strategy]bool{}
	for _, s := range c.Strategies {
		if !s.valid() {
			errs = multierror.Append(errs, fmt.Errorf("%s: unknown %s: %w", op, s, ErrInvalidParameter))
			continue
		}
		if seen[s] {
			errs = multierror.Append(errs, fmt.Errorf("%s: duplicate %s strategy: %w", op, s, ErrInvalidParameter))
		}
		seen[s] = true
	}
	if c.LogoutURL == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s: logout URL is empty: %w", op, ErrInvalidParameter))
	} else if _, err := url.Parse(c.LogoutURL); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: logout URL %q is invalid: %w", op, c.LogoutURL, ErrInvalidParameter))
	}
	if c.DiagnosticURL != "" {
		if _, err := url.Parse(c.DiagnosticURL); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: diagnostic URL %q is invalid: %w", op, c.DiagnosticURL, ErrInvalidParameter))
		}
	}
	return errs.ErrorOrNil()
}

type configOptions struct {
	withStrategies    []Strategy
	withLogoutURL     string
	withDiagnosticURL string
}

func configDefaults() configOptions {
	return configOptions{
		withStrategies: DefaultStrategies(),
		withLogoutURL:  DefaultLogoutURL,
	}
}

func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithStrategies provides the order in which strategies are tried.
func WithStrategies(s ...Strategy) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withStrategies = s
		}
	}
}

// WithLogoutURL provides the URL navigated to after signing out.
func WithLogoutURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogoutURL = u
		}
	}
}

// WithDiagnosticURL provides a link shown when the origin isn't authorized.
func WithDiagnosticURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withDiagnosticURL = u
		}
	}
}
