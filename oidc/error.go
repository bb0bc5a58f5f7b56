// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"

	"github.com/hashicorp/caplogin/callback"
	"github.com/hashicorp/caplogin/login"
	"golang.org/x/oauth2"
)

var (
	ErrInvalidParameter          = errors.New("invalid parameter")
	ErrNilParameter              = errors.New("nil parameter")
	ErrInvalidCACert             = errors.New("invalid CA certificate")
	ErrInvalidIssuer             = errors.New("invalid issuer")
	ErrUnsupportedAlg            = errors.New("unsupported signing algorithm")
	ErrIDGeneratorFailed         = errors.New("id generation failed")
	ErrExpiredRequest            = errors.New("request is expired")
	ErrNotFound                  = errors.New("not found")
	ErrResponseRecorded          = errors.New("response already recorded")
	ErrMissingIDToken            = errors.New("id_token is missing")
	ErrIDTokenVerificationFailed = errors.New("id_token verification failed")
	ErrInvalidNonce              = errors.New("invalid nonce")
	ErrInvalidAudience           = errors.New("invalid audience")
	ErrNoOpener                  = errors.New("no browser opener configured")
	ErrNoRedirectURL             = errors.New("no redirect URL configured")
)

// providerErrorKinds classifies OAuth2/OIDC error codes, from both
// authentication error responses and token endpoint errors. Codes which
// aren't listed are login.KindUnknown.
var providerErrorKinds = map[string]login.Kind{
	"access_denied":             login.KindUserCancelled,
	"unauthorized_client":       login.KindProviderMethodDisabled,
	"unsupported_response_type": login.KindProviderMethodDisabled,
	"unsupported_grant_type":    login.KindProviderMethodDisabled,
	"invalid_scope":             login.KindProviderMethodDisabled,
	"invalid_client":            login.KindOriginNotAuthorized,
	"redirect_uri_mismatch":     login.KindOriginNotAuthorized,
	"invalid_redirect_uri":      login.KindOriginNotAuthorized,
	"temporarily_unavailable":   login.KindNetworkFailure,
}

// KindOf returns the login.Kind for an OAuth2/OIDC error code.
func KindOf(code string) login.Kind {
	if k, ok := providerErrorKinds[code]; ok {
		return k
	}
	return login.KindUnknown
}

// authenError converts an authentication error response.
func authenError(op string, r *callback.AuthenErrorResponse) *login.Err {
	return login.NewError(KindOf(r.Error), login.WithOp(op), login.WithMsg(r.String()))
}

// exchangeError converts an error returned by the token endpoint exchange.
func exchangeError(op string, err error) *login.Err {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return login.NewError(KindOf(re.ErrorCode), login.WithOp(op), login.WithWrap(err))
	}
	return login.ConvertError(err, login.WithOp(op))
}
