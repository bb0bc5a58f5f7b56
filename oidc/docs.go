// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
oidc is a package which implements the login.Provider capability over the
OIDC authorization code flow with PKCE.

Primary types provided by the package

* Request: represents one authorization request.  It contains the state id,
nonce and PKCE verifier needed to complete the request, the redirect URL it
was made with and its expiration.  Redirect requests are persisted in a
RequestStore until the provider's response is recorded and resolved.

* Config: provides the configuration for the provider (issuer, client id,
optional client secret, scopes, redirect URL, supported signing algorithms,
etc).  A Config is usually decoded from the blob the backend serves with
NewConfigFromJSON.

* Provider: signs users in with either strategy.  The popup strategy serves
a one-time loopback callback and opens the system browser on the auth URL.
The redirect strategy persists the request and hands the browser to the
provider; the response is recorded by callback.Redirect (or
RecordResponse) and resolved by PendingResult.

* Alg: represents asymmetric signing algorithms

Provider errors are classified into login.Kind values, so the login
orchestrator can tell an unavailable popup from a terminal failure.

TestProvider is an in-process OIDC provider for tests.
*/
package oidc
