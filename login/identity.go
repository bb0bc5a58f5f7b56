// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import "encoding/json"

// IDToken is the provider's bearer credential for an identity.
type IDToken string

// RedactedIDToken is the redacted string or json for an IDToken.
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// Identity is the provider's result for a completed sign-in. The
// orchestrator treats it as an opaque payload: apart from checking that a
// credential exists it never inspects or trusts the claims, it just
// forwards them to the backend which does the verification.
type Identity struct {
	Subject     string
	Email       string
	DisplayName string
	PhotoURL    string
	IDToken     IDToken
}

// ServerAuthResult is the backend's answer to a forwarded Identity. A
// successful result must carry a RedirectTarget.
type ServerAuthResult struct {
	Success        bool
	RedirectTarget string
	Error          string
}
