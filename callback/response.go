// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
)

// AuthenErrorResponse represents Oauth2 error responses.  See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type AuthenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Uri         string `json:"error_uri,omitempty"`
}

func (r *AuthenErrorResponse) String() string {
	if r.Description != "" {
		return fmt.Sprintf("%s: %s", r.Error, r.Description)
	}
	return r.Error
}

// Response is the provider's authorization response.
type Response struct {
	State string               `json:"state"`
	Code  string               `json:"code,omitempty"`
	Error *AuthenErrorResponse `json:"error,omitempty"`
}

// ParseResponse reads an authorization response from the query or form
// values of the provider's redirect.
func ParseResponse(v url.Values) *Response {
	r := &Response{
		State: v.Get("state"),
		Code:  v.Get("code"),
	}
	if e := v.Get("error"); e != "" {
		r.Error = &AuthenErrorResponse{
			Error:       e,
			Description: v.Get("error_description"),
			Uri:         v.Get("error_uri"),
		}
	}
	return r
}

// SuccessResponseFunc is used by the handlers to create a http response when
// the provider's response was accepted.
type SuccessResponseFunc func(state string, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by the handlers to create a http response when
// the provider returned an error response or the callback failed. respErr is
// set for provider errors, e for callback errors.
type ErrorResponseFunc func(state string, respErr *AuthenErrorResponse, e error, w http.ResponseWriter, req *http.Request)

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1 id="title">{{.Title}}</h1>
<p id="detail">{{.Detail}}</p>
</body>
</html>
`))

const (
	SuccessTitle = "Sign-in complete"
	ErrorTitle   = "Sign-in failed"
)

func writePage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTmpl.Execute(w, struct{ Title, Detail string }{title, detail})
}

// DefaultSuccess renders a page telling the user to return to the
// application.
func DefaultSuccess(_ string, w http.ResponseWriter, _ *http.Request) {
	writePage(w, http.StatusOK, SuccessTitle, "You can close this window and return to the application.")
}

// DefaultError renders a page describing the failure.
func DefaultError(_ string, respErr *AuthenErrorResponse, e error, w http.ResponseWriter, _ *http.Request) {
	switch {
	case respErr != nil:
		writePage(w, http.StatusUnauthorized, ErrorTitle, respErr.String())
	case e != nil:
		writePage(w, http.StatusBadRequest, ErrorTitle, e.Error())
	default:
		writePage(w, http.StatusInternalServerError, ErrorTitle, "unknown error")
	}
}
