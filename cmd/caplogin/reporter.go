// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/hashicorp/caplogin/login"
)

// colorReporter prints sign-in errors. Informational kinds, like the user
// cancelling, are printed in a neutral tone.
type colorReporter struct {
	mu   sync.Mutex
	w    io.Writer
	err  *color.Color
	info *color.Color
}

var _ login.Reporter = (*colorReporter)(nil)

func newColorReporter(w io.Writer) *colorReporter {
	return &colorReporter{
		w:    w,
		err:  color.New(color.FgRed, color.Bold),
		info: color.New(color.FgYellow),
	}
}

// Report implements login.Reporter.
func (r *colorReporter) Report(e *login.Err) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.err
	if e.Kind.Informational() {
		c = r.info
	}
	_, _ = c.Fprintln(r.w, e.UserMessage())
}

// Clear implements login.Reporter. Lines already printed stay on the
// terminal, so there's nothing to remove.
func (r *colorReporter) Clear() {}
