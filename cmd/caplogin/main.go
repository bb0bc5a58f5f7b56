// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// caplogin signs the user in to a backend with its federated identity
// provider, trying a popup sign-in in the system browser first and falling
// back to a redirect sign-in when the popup isn't available.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/browser"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d := deps{
		openAuth: browser.OpenURL,
		openPage: browser.OpenURL,
	}
	if err := newRootCmd(d).ExecuteContext(ctx); err != nil {
		var reported errReported
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}
