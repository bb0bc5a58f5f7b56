// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/caplogin/callback"
	"github.com/hashicorp/caplogin/login"
	"github.com/hashicorp/caplogin/store"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

const (
	flagEnvFile      = "env-file"
	flagBackendURL   = "backend-url"
	flagBackendCA    = "backend-ca-file"
	flagState        = "state"
	flagStrategies   = "strategies"
	flagLogLevel     = "log-level"
	flagNoBrowser    = "no-browser"
	flagCallbackAddr = "addr"

	defaultCallbackPath = "/callback"

	// callbackStoreTimeout bounds how long a redirect waits for another
	// command to release the state database.
	callbackStoreTimeout = 10 * time.Second
)

// newRootCmd creates the command tree. environ replaces the process
// environment when it's not nil.
func newRootCmd(d deps, environ ...map[string]string) *cobra.Command {
	root := &cobra.Command{
		Use:           "caplogin",
		Short:         "Sign in to a backend with its identity provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String(flagEnvFile, ".env", "Optional file of environment variables")
	pf.String(flagBackendURL, "", "Base URL of the backend (CAPLOGIN_BACKEND_URL)")
	pf.String(flagBackendCA, "", "PEM file of the backend's CA (CAPLOGIN_BACKEND_CA_FILE)")
	pf.String(flagState, "", "Path of the local state database (CAPLOGIN_STATE_PATH)")
	pf.StringSlice(flagStrategies, nil, "Sign-in strategies in the order they're tried (CAPLOGIN_STRATEGIES)")
	pf.String(flagLogLevel, "", "Log level: trace, debug, info, warn or error (CAPLOGIN_LOG_LEVEL)")
	pf.Bool(flagNoBrowser, false, "Print URLs instead of opening the browser (CAPLOGIN_NO_BROWSER)")

	var env map[string]string
	if len(environ) > 0 {
		env = environ[0]
	}
	load := func(cmd *cobra.Command) (*cliConfig, error) {
		envFile, _ := cmd.Flags().GetString(flagEnvFile)
		cfg, err := loadConfig(envFile, env)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFlags(cmd.Flags()); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	withApp := func(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, d, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					a.logger.Warn("unable to close", "error", err)
				}
			}()
			return fn(ctx, cmd, a, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Sign in, resolving a pending redirect sign-in first",
			Args:  cobra.NoArgs,
			RunE:  withApp(runLogin),
		},
		&cobra.Command{
			Use:   "resolve",
			Short: "Resolve a pending redirect sign-in",
			Args:  cobra.NoArgs,
			RunE:  withApp(runResolve),
		},
		&cobra.Command{
			Use:   "complete <redirect-url>",
			Short: "Complete a redirect sign-in with the URL the provider redirected to",
			Args:  cobra.ExactArgs(1),
			RunE:  withApp(runComplete),
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Sign out",
			Args:  cobra.NoArgs,
			RunE:  withApp(runLogout),
		},
		newCallbackServerCmd(load, d),
	)
	return root
}

func runLogin(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	out, err := a.resolve(ctx)
	if err != nil {
		return err
	}
	if !out.NoOp {
		printOutcome(cmd.OutOrStdout(), out)
		return outcomeError(out)
	}
	if out, err = a.signIn(ctx); err != nil {
		return err
	}
	printOutcome(cmd.OutOrStdout(), out)
	return outcomeError(out)
}

func runResolve(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	out, err := a.resolve(ctx)
	if err != nil {
		return err
	}
	printOutcome(cmd.OutOrStdout(), out)
	return outcomeError(out)
}

func runComplete(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	u, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("redirect URL is invalid: %w", err)
	}
	if err := a.provider.RecordRedirect(ctx, u.Query()); err != nil {
		return err
	}
	return runResolve(ctx, cmd, a, nil)
}

func runLogout(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	out := <-a.orch.SignOut(ctx)
	if out.Err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	}
	return outcomeError(out)
}

func newCallbackServerCmd(load func(*cobra.Command) (*cliConfig, error), d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback-server",
		Short: "Serve the redirect URL and finish redirect sign-ins as they land",
		Long: `Serve the redirect URL and finish redirect sign-ins as they land.

The state database is only opened while a redirect is being finished, so
other caplogin commands can run alongside the server.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().String(flagCallbackAddr, "", "Listen address (CAPLOGIN_CALLBACK_ADDR)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := load(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		l, err := net.Listen("tcp", cfg.CallbackAddr)
		if err != nil {
			return fmt.Errorf("unable to listen on %s: %w", cfg.CallbackAddr, err)
		}
		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		open := func(ctx context.Context) (*app, error) {
			return newApp(ctx, cfg, d, out, errOut, store.WithOpenTimeout(callbackStoreTimeout))
		}
		return serveCallbacks(cmd.Context(), out, cfg, newLogger(cfg, errOut), open, l)
	}
	return cmd
}

// serveCallbacks serves the redirect callback on l until ctx is done. Each
// request opens its own app, records the response, resolves it right away
// and closes the app again; requests are handled one at a time.
func serveCallbacks(ctx context.Context, w io.Writer, cfg *cliConfig, logger hclog.Logger, open func(context.Context) (*app, error), l net.Listener) error {
	path := defaultCallbackPath
	if cfg.RedirectURL != "" {
		if u, err := url.Parse(cfg.RedirectURL); err == nil && u.Path != "" {
			path = u.Path
		}
	}
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(wr http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		a, err := open(req.Context())
		if err != nil {
			logger.Error("unable to finish sign-in", "error", err)
			callback.DefaultError("", nil, err, wr, req)
			return
		}
		defer func() {
			if err := a.close(); err != nil {
				logger.Warn("unable to close", "error", err)
			}
		}()
		h, err := redirectHandler(w, a)
		if err != nil {
			callback.DefaultError("", nil, err, wr, req)
			return
		}
		h(wr, req)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("serving callbacks", "addr", l.Addr().String(), "path", path)
	fmt.Fprintf(w, "Listening for sign-in redirects on http://%s%s\n", l.Addr().String(), path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// redirectHandler records the provider's redirect with a and resolves it,
// showing the outcome on the page and on w.
func redirectHandler(w io.Writer, a *app) (http.HandlerFunc, error) {
	resolveFn := func(state string, respErr *callback.AuthenErrorResponse, wr http.ResponseWriter, req *http.Request) {
		out, err := a.resolve(req.Context())
		switch {
		case err != nil:
			callback.DefaultError(state, nil, err, wr, req)
		case out.Err != nil:
			callback.DefaultError(state, respErr, errors.New(out.Err.UserMessage()), wr, req)
		default:
			callback.DefaultSuccess(state, wr, req)
		}
		printOutcome(w, out)
	}
	return callback.Redirect(a.provider,
		func(state string, wr http.ResponseWriter, req *http.Request) {
			resolveFn(state, nil, wr, req)
		},
		func(state string, respErr *callback.AuthenErrorResponse, e error, wr http.ResponseWriter, req *http.Request) {
			if respErr == nil {
				// nothing was recorded
				callback.DefaultError(state, nil, e, wr, req)
				return
			}
			resolveFn(state, respErr, wr, req)
		},
	)
}

func printOutcome(w io.Writer, out login.Outcome) {
	switch {
	case out.NoOp:
		fmt.Fprintln(w, "No sign-in is pending.")
	case out.Status == login.StatusSucceeded:
		fmt.Fprintf(w, "Signed in with the %s strategy.\n", out.Strategy)
	case out.Status == login.StatusAwaitingRedirectResult:
		fmt.Fprintln(w, "Continue signing in with your browser. Once redirected, run `caplogin complete <url>` with the URL you land on, unless `caplogin callback-server` is running.")
	case out.Status == login.StatusFailed:
		fmt.Fprintln(w, "Sign-in failed.")
	}
}
