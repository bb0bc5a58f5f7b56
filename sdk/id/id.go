// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package id

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// randomBytes gives 32 characters once base64url encoded.
const randomBytes = 24

// EncodedLen is the length of an id without its prefix.
var EncodedLen = base64.RawURLEncoding.EncodedLen(randomBytes)

// New generates a random, URL safe ID with an optional prefix. The ID is
// suitable for an oidc state or nonce.
func New(optionalPrefix string) (string, error) {
	b, err := uuid.GenerateRandomBytes(randomBytes)
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(b)
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
