// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/caplogin/login"
	"github.com/hashicorp/caplogin/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// cliConfig is the command line's configuration. It's read from the
// environment, optionally seeded by a .env file, and then overridden by
// flags.
type cliConfig struct {
	BackendURL    string        `env:"CAPLOGIN_BACKEND_URL"`
	BackendCAFile string        `env:"CAPLOGIN_BACKEND_CA_FILE"`
	StatePath     string        `env:"CAPLOGIN_STATE_PATH"`
	Strategies    []string      `env:"CAPLOGIN_STRATEGIES" envSeparator:"," envDefault:"popup,redirect"`
	LogoutURL     string        `env:"CAPLOGIN_LOGOUT_URL"`
	DiagnosticURL string        `env:"CAPLOGIN_DIAGNOSTIC_URL"`
	RedirectURL   string        `env:"CAPLOGIN_REDIRECT_URL"`
	LoopbackAddr  string        `env:"CAPLOGIN_LOOPBACK_ADDR" envDefault:"127.0.0.1:0"`
	PopupTimeout  time.Duration `env:"CAPLOGIN_POPUP_TIMEOUT" envDefault:"2m"`
	CallbackAddr  string        `env:"CAPLOGIN_CALLBACK_ADDR" envDefault:"127.0.0.1:8250"`
	LogLevel      string        `env:"CAPLOGIN_LOG_LEVEL" envDefault:"warn"`
	NoBrowser     bool          `env:"CAPLOGIN_NO_BROWSER"`
}

// loadConfig reads the configuration. envFile is loaded first when it
// exists; it never overrides variables which are already set. A nil
// environ reads the process environment.
func loadConfig(envFile string, environ map[string]string) (*cliConfig, error) {
	const op = "main.loadConfig"
	if envFile != "" && environ == nil {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: unable to load %s: %w", op, envFile, err)
		}
	}
	var c cliConfig
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &c, nil
}

// applyFlags overrides the configuration with the flags which were set.
func (c *cliConfig) applyFlags(flags *pflag.FlagSet) error {
	const op = "main.(cliConfig).applyFlags"
	var errs *multierror.Error
	get := func(name string, fn func() error) {
		if f := flags.Lookup(name); f == nil || !f.Changed {
			return
		}
		if err := fn(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("--%s: %w", name, err))
		}
	}
	get(flagBackendURL, func() (err error) { c.BackendURL, err = flags.GetString(flagBackendURL); return })
	get(flagBackendCA, func() (err error) { c.BackendCAFile, err = flags.GetString(flagBackendCA); return })
	get(flagState, func() (err error) { c.StatePath, err = flags.GetString(flagState); return })
	get(flagStrategies, func() (err error) { c.Strategies, err = flags.GetStringSlice(flagStrategies); return })
	get(flagLogLevel, func() (err error) { c.LogLevel, err = flags.GetString(flagLogLevel); return })
	get(flagNoBrowser, func() (err error) { c.NoBrowser, err = flags.GetBool(flagNoBrowser); return })
	get(flagCallbackAddr, func() (err error) { c.CallbackAddr, err = flags.GetString(flagCallbackAddr); return })
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Validate checks the configuration, reporting every problem.
func (c *cliConfig) Validate() error {
	const op = "main.(cliConfig).Validate"
	var errs *multierror.Error
	if c.BackendURL == "" {
		errs = multierror.Append(errs, errors.New("backend URL is empty (CAPLOGIN_BACKEND_URL or --backend-url)"))
	}
	if _, err := c.strategies(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = multierror.Append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.PopupTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("popup timeout not greater than zero"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *cliConfig) strategies() ([]login.Strategy, error) {
	s := make([]login.Strategy, 0, len(c.Strategies))
	for _, name := range c.Strategies {
		st, err := login.ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		s = append(s, st)
	}
	return s, nil
}

func (c *cliConfig) backendCA() (string, error) {
	if c.BackendCAFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.BackendCAFile)
	if err != nil {
		return "", fmt.Errorf("unable to read backend CA: %w", err)
	}
	return string(b), nil
}

// providerOpts returns the overrides applied to the provider config the
// backend serves.
func (c *cliConfig) providerOpts() []oidc.Option {
	opts := []oidc.Option{
		oidc.WithLoopbackAddr(c.LoopbackAddr),
		oidc.WithPopupTimeout(c.PopupTimeout),
	}
	if c.RedirectURL != "" {
		opts = append(opts, oidc.WithRedirectURL(c.RedirectURL))
	}
	return opts
}
