// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"context"
	"fmt"
	"net/http"
)

// Recorder stores an authorization response for its pending request.
// Implementations must be concurrently safe.
type Recorder interface {
	RecordResponse(ctx context.Context, r *Response) error
}

// Redirect creates a callback handler for the redirect strategy. Every
// response is handed to the Recorder; the sign-in is finished by whichever
// process resolves the pending result next.
//
// Nil sFn or eFn default to DefaultSuccess and DefaultError.
func Redirect(rec Recorder, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "callback.Redirect"
	if rec == nil {
		return nil, fmt.Errorf("%s: recorder is nil", op)
	}
	if sFn == nil {
		sFn = DefaultSuccess
	}
	if eFn == nil {
		eFn = DefaultError
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			eFn("", nil, fmt.Errorf("%s: unable to parse request: %w", op, err), w, req)
			return
		}
		// body values come first in req.Form, so form_post responses work too.
		resp := ParseResponse(req.Form)
		if resp.State == "" {
			eFn("", nil, fmt.Errorf("%s: missing state", op), w, req)
			return
		}
		if err := rec.RecordResponse(req.Context(), resp); err != nil {
			eFn(resp.State, nil, fmt.Errorf("%s: unable to record response: %w", op, err), w, req)
			return
		}
		if resp.Error != nil {
			eFn(resp.State, resp.Error, nil, w, req)
			return
		}
		sFn(resp.State, w, req)
	}, nil
}
