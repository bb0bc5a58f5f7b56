// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/caplogin/backend"
	"github.com/hashicorp/caplogin/login"
	"github.com/hashicorp/caplogin/oidc"
	"github.com/hashicorp/caplogin/store"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// deps are the side effects the commands have on the user's desktop.
type deps struct {
	// openAuth opens the provider's authorization URL.
	openAuth oidc.Opener

	// openPage opens a backend page once the sign-in (or out) is done.
	openPage func(url string) error
}

// app wires the sign-in components for one command invocation.
type app struct {
	cfg      *cliConfig
	logger   hclog.Logger
	out      io.Writer
	store    *store.Store
	backend  *backend.Client
	provider *oidc.Provider
	orch     *login.Orchestrator
}

// newApp opens the state database and wires the components. The database
// stays locked until close.
func newApp(ctx context.Context, cfg *cliConfig, d deps, out, errOut io.Writer, storeOpt ...store.Option) (*app, error) {
	const op = "main.newApp"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg, errOut)
	a := &app{cfg: cfg, logger: logger, out: out}

	path := cfg.StatePath
	if path == "" {
		var err error
		if path, err = store.DefaultPath(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	st, err := store.Open(path, storeOpt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.store = st

	ca, err := cfg.backendCA()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.backend, err = backend.NewClient(cfg.BackendURL, backend.WithBackendCA(ca), backend.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	blob, err := a.backend.ProviderConfig(ctx)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	pc, err := oidc.NewConfigFromJSON(blob, cfg.providerOpts()...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	openAuth := d.openAuth
	if cfg.NoBrowser {
		openAuth = printOpener(out, "Open this URL to sign in:")
	}
	a.provider, err = oidc.NewProvider(ctx, pc,
		oidc.WithRequestStore(st),
		oidc.WithOpener(openAuth),
		oidc.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	strategies, _ := cfg.strategies()
	logoutURL := cfg.LogoutURL
	if logoutURL == "" {
		logoutURL = a.backend.LogoutURL()
	}
	lc, err := login.NewConfig(
		login.WithStrategies(strategies...),
		login.WithLogoutURL(logoutURL),
		login.WithDiagnosticURL(cfg.DiagnosticURL),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	nav := &navigator{backend: a.backend, open: d.openPage, out: out, noBrowser: cfg.NoBrowser}
	a.orch, err = login.NewOrchestrator(ctx, lc, a.provider, a.backend, nav,
		login.WithReporter(newColorReporter(errOut)),
		login.WithAttemptStore(st),
		login.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func newLogger(cfg *cliConfig, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "caplogin",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: w,
	})
}

func (a *app) close() error {
	var errs *multierror.Error
	a.provider.Done()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// resolve resolves a pending redirect result and waits for its outcome.
func (a *app) resolve(ctx context.Context) (login.Outcome, error) {
	ch, err := a.orch.ResolvePendingResult(ctx)
	if err != nil {
		return login.Outcome{}, err
	}
	return <-ch, nil
}

// signIn starts a new sign-in and waits for its outcome.
func (a *app) signIn(ctx context.Context) (login.Outcome, error) {
	ch, err := a.orch.BeginSignIn(ctx)
	if err != nil {
		return login.Outcome{}, err
	}
	return <-ch, nil
}

// outcomeError converts a finished operation into the command's error.
func outcomeError(out login.Outcome) error {
	if out.Err == nil {
		return nil
	}
	return errReported{out.Err}
}

// errReported is an error which the reporter has already shown the user.
type errReported struct {
	err *login.Err
}

func (e errReported) Error() string { return e.err.Error() }

func (e errReported) Unwrap() error { return e.err }
