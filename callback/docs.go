// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
callback is a package that provides http handlers for receiving the
provider's authorization response.

Loopback is a one-time use handler for the popup strategy: it's served by a
listener owned by the process which started the sign-in, and hands the
response over a channel.

Redirect is a long lived handler for the redirect strategy: it hands every
response to a Recorder (see oidc.Provider.RecordRedirect) so that a later
load can pick it up.
*/
package callback
