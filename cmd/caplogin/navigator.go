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
)

// navigator opens backend pages in the user's browser. Relative targets are
// resolved against the backend's base URL.
type navigator struct {
	backend   *backend.Client
	open      func(url string) error
	out       io.Writer
	noBrowser bool
}

var _ login.Navigator = (*navigator)(nil)

// Navigate implements login.Navigator.
func (n *navigator) Navigate(_ context.Context, target string) error {
	const op = "main.(navigator).Navigate"
	u, err := n.backend.Resolve(target)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n.noBrowser || n.open == nil {
		_, err := fmt.Fprintf(n.out, "Continue at: %s\n", u)
		return err
	}
	if err := n.open(u); err != nil {
		return fmt.Errorf("%s: unable to open %s: %w", op, u, err)
	}
	return nil
}

// printOpener returns an Opener which prints the URL for the user to open.
func printOpener(w io.Writer, prompt string) oidc.Opener {
	return func(authURL string) error {
		_, err := fmt.Fprintf(w, "%s\n\n    %s\n\n", prompt, authURL)
		return err
	}
}
