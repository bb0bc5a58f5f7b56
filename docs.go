// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
caplogin provides a collection of related packages which sign a user in to a
backend with the backend's federated identity provider.

* login: the orchestrator. It drives one sign-in attempt at a time, tries the
popup strategy first and falls back to the redirect strategy at most once,
resolves pending redirect results, forwards the resulting identity to the
backend and navigates wherever the backend says. Failures are classified
into a closed set of kinds with user facing messages.

* oidc: the identity provider, implemented over the OIDC authorization code
flow with PKCE.

* backend: a client for the backend's provider config, callback and logout
endpoints.

* callback: http handlers for the provider's responses.

* store: bbolt backed persistence of pending sign-ins.

* cmd/caplogin: a command line which puts them together.
*/
package caplogin
