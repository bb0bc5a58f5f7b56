// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var ErrStateMismatch = errors.New("response state does not match request state")

// Loopback creates a one-time use callback handler for a single
// authorization request identified by stateID. The first response which
// carries the right state is written to the returned channel, which is
// then closed; later requests get an error page. Requests carrying another
// state are rejected without consuming the handler.
//
// Nil sFn or eFn default to DefaultSuccess and DefaultError.
func Loopback(stateID string, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (<-chan *Response, http.HandlerFunc) {
	if sFn == nil {
		sFn = DefaultSuccess
	}
	if eFn == nil {
		eFn = DefaultError
	}
	doneCh := make(chan *Response, 1)
	var mu sync.Mutex
	done := false
	return doneCh, func(w http.ResponseWriter, req *http.Request) {
		const op = "callback.Loopback"
		resp := ParseResponse(req.URL.Query())

		if resp.State != stateID {
			eFn(resp.State, nil, fmt.Errorf("%s: %w", op, ErrStateMismatch), w, req)
			return
		}

		mu.Lock()
		if done {
			mu.Unlock()
			eFn(resp.State, nil, fmt.Errorf("%s: response already received", op), w, req)
			return
		}
		done = true
		mu.Unlock()

		if resp.Error != nil {
			eFn(resp.State, resp.Error, nil, w, req)
		} else {
			sFn(resp.State, w, req)
		}
		doneCh <- resp
		close(doneCh)
	}
}
